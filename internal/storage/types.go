package storage

import (
	"errors"
	"time"

	"postsched/internal/post"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the journal.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one journal row. Stats is the post's cumulative stats at the time
// of the event.
type Entry struct {
	Seq    int64      `json:"seq,omitempty"`
	At     time.Time  `json:"at"`
	Event  string     `json:"event"`
	PostID string     `json:"post_id"`
	Status string     `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Stats  post.Stats `json:"stats"`
	Polls  int        `json:"polls,omitempty"`
}

// EntryFor builds the journal row for a lifecycle event about p.
func EntryFor(event string, at time.Time, p post.Post) Entry {
	return Entry{
		At:     at,
		Event:  event,
		PostID: p.ID,
		Status: string(p.Status),
		Reason: p.Error,
		Stats:  p.Stats,
		Polls:  p.Tracking.Polls,
	}
}
