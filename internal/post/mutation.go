package post

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"postsched/internal/eventbus"
)

// Mutation is a named change applied by Registry.Update.
//
// Apply edits the working copy in place; returning an error aborts the update.
// Event is the bus event type published after a successful commit (empty for
// none).
type Mutation struct {
	Event string
	Apply func(p *Post) error
}

// MarkPending moves a scheduled post to pending. It fails if another caller
// already moved it, which makes dispatch exactly-once.
func MarkPending() Mutation {
	return Mutation{Event: eventbus.PostPending, Apply: func(p *Post) error {
		if p.Status != StatusScheduled {
			return fmt.Errorf("%w: %s is %s, not scheduled", ErrInvalidTransition, p.ID, p.Status)
		}
		p.Status = StatusPending
		p.TimeLeft = 0
		return nil
	}}
}

// MarkPublished records a successful publish at the given instant and resets
// the stats to zero.
func MarkPublished(at time.Time) Mutation {
	return Mutation{Event: eventbus.PostPublished, Apply: func(p *Post) error {
		if p.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s, not pending", ErrInvalidTransition, p.ID, p.Status)
		}
		p.Status = StatusPublished
		p.PublishedAt = at
		p.Stats = Stats{}
		return nil
	}}
}

// MarkFailed records a failed attempt. Failed posts are never retried.
func MarkFailed(reason string) Mutation {
	return Mutation{Event: eventbus.PostFailed, Apply: func(p *Post) error {
		if p.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s, not pending", ErrInvalidTransition, p.ID, p.Status)
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "publish failed"
		}
		p.Status = StatusFailed
		p.Error = reason
		return nil
	}}
}

// OpenStats starts the stats window [start, until) of a published post.
func OpenStats(start, until time.Time) Mutation {
	return Mutation{Apply: func(p *Post) error {
		if p.Status != StatusPublished || p.Tracking.StatsFinal || !p.Tracking.StatsStartedAt.IsZero() {
			return fmt.Errorf("%w: stats window of %s cannot be opened", ErrInvalidTransition, p.ID)
		}
		p.Tracking.StatsStartedAt = start
		p.Tracking.StatsUntil = until
		return nil
	}}
}

// AccrueStats adds delta (negative counters clamped to zero) to an open window.
func AccrueStats(delta Stats) Mutation {
	return Mutation{Event: eventbus.PostStats, Apply: func(p *Post) error {
		if !p.Tracking.Open() {
			return fmt.Errorf("%w: stats window of %s is not open", ErrInvalidTransition, p.ID)
		}
		p.Stats = p.Stats.Add(delta.Clamp())
		p.Tracking.Polls++
		return nil
	}}
}

// CloseStats freezes the stats. Closing twice is an error.
func CloseStats() Mutation {
	return Mutation{Event: eventbus.PostStatsClosed, Apply: func(p *Post) error {
		if !p.Tracking.Open() {
			return fmt.Errorf("%w: stats window of %s is not open", ErrInvalidTransition, p.ID)
		}
		p.Tracking.StatsFinal = true
		return nil
	}}
}

// checkInvariants compares the committed post with the candidate produced
// by a mutation and reports the first broken rule.
func checkInvariants(before, after Post) error {
	switch {
	case after.ID != before.ID,
		after.Content != before.Content,
		after.ContentType != before.ContentType,
		!slices.Equal(after.Media, before.Media),
		!after.ScheduledAt.Equal(before.ScheduledAt),
		!after.CreatedAt.Equal(before.CreatedAt):
		return fmt.Errorf("%w: immutable field changed", ErrInvalidTransition)
	}

	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}

	published := !after.PublishedAt.IsZero()
	failed := after.Error != ""
	switch after.Status {
	case StatusPublished:
		if !published || failed {
			return fmt.Errorf("%w: published post needs published_at and no error", ErrInvalidTransition)
		}
	case StatusFailed:
		if !failed || published {
			return fmt.Errorf("%w: failed post needs an error and no published_at", ErrInvalidTransition)
		}
	default:
		if published || failed {
			return fmt.Errorf("%w: %s post cannot carry a result", ErrInvalidTransition, after.Status)
		}
	}
	if before.Status.Terminal() && (!after.PublishedAt.Equal(before.PublishedAt) || after.Error != before.Error) {
		return fmt.Errorf("%w: result already recorded", ErrInvalidTransition)
	}

	if before.Tracking.StatsFinal && after.Tracking != before.Tracking {
		return fmt.Errorf("%w: stats window already closed", ErrInvalidTransition)
	}
	if after.Tracking.Polls < before.Tracking.Polls {
		return fmt.Errorf("%w: poll count decreased", ErrInvalidTransition)
	}
	if after.Stats != before.Stats {
		if !before.Tracking.Open() || after.Status != StatusPublished {
			return fmt.Errorf("%w: stats change outside an open window", ErrInvalidTransition)
		}
		if !after.Stats.AtLeast(before.Stats) {
			return fmt.Errorf("%w: stats decreased", ErrInvalidTransition)
		}
	}
	return nil
}
