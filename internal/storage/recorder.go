package storage

import (
	"context"
	"strings"
	"time"

	"postsched/internal/eventbus"
	"postsched/internal/post"
	logx "postsched/pkg/logx"
)

// Recorder copies post lifecycle events from the bus into the journal.
// It subscribes on construction so no event published afterwards is missed
// before Run starts.
type Recorder struct {
	st    Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()
}

func NewRecorder(bus eventbus.Bus, st Store, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(256)
	return &Recorder{st: st, log: log, ch: ch, unsub: unsub}
}

// Run appends events until ctx ends, then flushes whatever is already
// buffered. Append errors are logged and the event is skipped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	if !strings.HasPrefix(ev.Type, "post.") {
		return
	}
	p, ok := ev.Data.(post.Post)
	if !ok {
		return
	}
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.st.Append(actx, EntryFor(ev.Type, ev.Time, p)); err != nil {
		r.log.Warn("journal append failed", logx.String("event", ev.Type), logx.String("post", p.ID), logx.Err(err))
	}
}
