package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	// ErrStale is reported through OnDone when a task waited longer than
	// MaxQueueDelay.
	ErrStale = errors.New("task dropped: stale in queue")
)
