package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "postsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work; leftovers are drained by Stop.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		n := s.droppedStale.Add(1)
		if shouldWarn(&s.lastStaleWarnAt, start) {
			s.log.Warn("task dropped: stale queue",
				logx.String("task", qt.task.Name),
				logx.Duration("queue_delay", queueDelay),
				logx.Uint64("dropped_stale", n))
		}
		s.finish(qt, start, queueDelay, ErrStale)
		return
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := s.runGuarded(runCtx, qt.task)
	cancel()

	s.finish(qt, start, queueDelay, err)
}

// runGuarded turns a task panic into an error so one bad task cannot kill a
// worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func (s *Service) finish(qt queuedTask, start time.Time, queueDelay time.Duration, err error) {
	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()

	if qt.task.OnDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task.on_done panic", logx.String("task", qt.task.Name), logx.Any("panic", r))
				}
			}()
			qt.task.OnDone(Result{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: queueDelay, Duration: dur, Err: err})
		}()
	}
}
