// Package gateway is the boundary to the external publishing and analytics
// APIs, plus the simulated stand-ins used until a real platform is wired.
package gateway

import (
	"context"
	"errors"
	"strings"

	"postsched/internal/post"
)

// Publisher sends a post to the platform. Failures are *PublishError.
type Publisher interface {
	Publish(ctx context.Context, p post.Post) error
}

// Analytics returns engagement increments observed since the last poll.
type Analytics interface {
	PollStats(ctx context.Context, id string) (post.Stats, error)
}

var (
	ErrTimeout     = errors.New("gateway: timed out")
	ErrRejected    = errors.New("gateway: rejected")
	ErrUnavailable = errors.New("gateway: unavailable")
)

// PublishError is a failed publish attempt. Reason is the short, user-facing
// text recorded on the post.
type PublishError struct {
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// Timeout builds the error used when an attempt exceeds its deadline.
func Timeout(cause error) *PublishError {
	if cause == nil || errors.Is(cause, context.DeadlineExceeded) {
		cause = ErrTimeout
	} else if !errors.Is(cause, ErrTimeout) {
		cause = errors.Join(ErrTimeout, cause)
	}
	return &PublishError{Reason: "timeout", Err: cause}
}

// Reason extracts the text to store on a failed post.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var pe *PublishError
	if errors.As(err, &pe) && strings.TrimSpace(pe.Reason) != "" {
		return pe.Reason
	}
	return err.Error()
}

// Kind names the failure class for metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	}
	return "error"
}
