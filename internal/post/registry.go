package post

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"postsched/internal/eventbus"
)

// Registry is the in-memory set of posts, in insertion order.
//
// Writers lock only the post they touch; the index lock is held just long
// enough to find or insert an entry.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	order []*entry

	bus eventbus.Bus
}

type entry struct {
	mu sync.Mutex
	p  Post
}

type RegistryOption func(*Registry)

// WithBus publishes an event after every committed change.
func WithBus(b eventbus.Bus) RegistryOption { return func(r *Registry) { r.bus = b } }

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{byID: map[string]*entry{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add inserts a new post. It must be in the scheduled state with no result.
func (r *Registry) Add(p Post) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("post: empty id")
	}
	if p.Status != StatusScheduled || !p.PublishedAt.IsZero() || p.Error != "" || !p.Stats.IsZero() {
		return fmt.Errorf("%w: new post must be scheduled and empty", ErrInvalidTransition)
	}
	e := &entry{p: p.Clone()}

	r.mu.Lock()
	if _, dup := r.byID[p.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	r.byID[p.ID] = e
	r.order = append(r.order, e)
	r.mu.Unlock()

	r.publish(eventbus.PostCreated, e.p.Clone())
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e := r.byID[id]
	r.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of the post.
func (r *Registry) Get(id string) (Post, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Post{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

// Update applies m atomically and returns the committed snapshot.
//
// m works on a copy; the copy replaces the stored post only if m succeeds and
// the result respects the lifecycle rules. Otherwise the post is unchanged
// and the error wraps ErrInvalidTransition (or whatever m returned).
func (r *Registry) Update(id string, m Mutation) (Post, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Post{}, err
	}
	if m.Apply == nil {
		return Post{}, fmt.Errorf("post: nil mutation")
	}

	e.mu.Lock()
	work := e.p.Clone()
	if err := m.Apply(&work); err != nil {
		e.mu.Unlock()
		return Post{}, err
	}
	if err := checkInvariants(e.p, work); err != nil {
		e.mu.Unlock()
		return Post{}, fmt.Errorf("%s: %w", id, err)
	}
	e.p = work
	out := work.Clone()
	e.mu.Unlock()

	if m.Event != "" {
		r.publish(m.Event, out.Clone())
	}
	return out, nil
}

// SetTimeLeft refreshes the display-only remaining time of a scheduled post.
// It reports false when the post is gone or no longer scheduled.
func (r *Registry) SetTimeLeft(id string, d time.Duration) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Status != StatusScheduled {
		return false
	}
	e.p.TimeLeft = max(d, 0)
	return true
}

// List returns snapshots of all posts in insertion order.
func (r *Registry) List() []Post {
	r.mu.RLock()
	entries := append([]*entry(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Post, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.Clone())
		e.mu.Unlock()
	}
	return out
}

// ListStatus is List filtered by status.
func (r *Registry) ListStatus(s Status) []Post {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Status == s {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) publish(typ string, p Post) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Subject: p.ID, Data: p})
}
