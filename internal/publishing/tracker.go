package publishing

import (
	"context"
	"sync"
	"time"

	"postsched/internal/post"
	rtsup "postsched/internal/runtime/supervisor"
	logx "postsched/pkg/logx"
)

// tracker runs one bounded polling window per published post.
type tracker struct {
	s *Service

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	active map[string]struct{}
}

func newTracker(s *Service) *tracker {
	return &tracker{s: s, active: make(map[string]struct{})}
}

func (t *tracker) open(sup *rtsup.Supervisor) {
	t.mu.Lock()
	t.sup = sup
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *tracker) isActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

// start opens the stats window of a published post. It is a no-op (false)
// when a tracker is already running, the window was used before, or the
// service is shutting down.
func (t *tracker) start(id string) bool {
	cfg := t.s.config()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sup == nil || t.sup.Context().Err() != nil {
		return false
	}
	if _, ok := t.active[id]; ok {
		return false
	}
	p, err := t.s.reg.Get(id)
	if err != nil || p.Status != post.StatusPublished || p.Tracking.StatsFinal || !p.Tracking.StatsStartedAt.IsZero() {
		return false
	}
	now := t.s.clk.Now()
	until := now.Add(cfg.StatsWindow)
	if _, err := t.s.reg.Update(id, post.OpenStats(now, until)); err != nil {
		t.s.log.Warn("open stats window failed", logx.String("post", id), logx.Err(err))
		return false
	}
	t.active[id] = struct{}{}
	t.s.metrics.trackerDelta(1)

	// The timers are armed before start returns so a clock advanced right
	// after publishing is observed.
	ticker := t.s.clk.NewTicker(cfg.StatsInterval)
	deadline := t.s.clk.NewTimer(max(until.Sub(now), 0))
	t.sup.Go("stats.tracker", func(ctx context.Context) error {
		t.run(ctx, id, until, ticker.C(), deadline.C(), cfg.StatsInterval)
		ticker.Stop()
		deadline.Stop()
		return nil
	})
	t.s.log.Debug("stats tracking started", logx.String("post", id), logx.Time("until", until))
	return true
}

func (t *tracker) run(ctx context.Context, id string, until time.Time, tick, deadline <-chan time.Time, interval time.Duration) {
	defer func() {
		t.mu.Lock()
		delete(t.active, id)
		t.mu.Unlock()
		t.s.metrics.trackerDelta(-1)
	}()

	for {
		select {
		case <-ctx.Done():
			t.finish(id, "shutdown")
			return
		case <-deadline:
			t.finish(id, "window expired")
			return
		case <-tick:
			if !t.s.clk.Now().Before(until) {
				t.finish(id, "window expired")
				return
			}
			t.poll(ctx, id, interval)
		}
	}
}

func (t *tracker) poll(ctx context.Context, id string, interval time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	delta, err := t.s.an.PollStats(pctx, id)
	if err != nil {
		t.s.metrics.observePoll(false)
		t.s.log.Warn("stats poll failed", logx.String("post", id), logx.Err(err))
		return
	}
	t.s.metrics.observePoll(true)
	if _, err := t.s.reg.Update(id, post.AccrueStats(delta)); err != nil {
		t.s.log.Warn("accrue stats failed", logx.String("post", id), logx.Err(err))
	}
}

func (t *tracker) finish(id, why string) {
	p, err := t.s.reg.Update(id, post.CloseStats())
	if err != nil {
		t.s.log.Warn("close stats window failed", logx.String("post", id), logx.Err(err))
		return
	}
	t.s.log.Info("stats tracking stopped",
		logx.String("post", id),
		logx.String("reason", why),
		logx.Int("polls", p.Tracking.Polls),
		logx.Int64("impressions", p.Stats.Impressions),
		logx.Int64("engagements", p.Stats.Engagements))
}
