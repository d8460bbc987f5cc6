package publishing

import (
	"context"
	"errors"

	"postsched/internal/post"
	logx "postsched/pkg/logx"
)

// run ticks until ctx ends. A tick change from Apply re-arms the ticker.
func (s *Service) run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.config().Tick)
	defer func() { ticker.Stop() }()

	s.log.Info("scheduling loop started", logx.Duration("tick", s.config().Tick))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.tickReset:
			ticker.Stop()
			ticker = s.clk.NewTicker(s.config().Tick)
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of the scheduling loop and returns the ids of the posts
// it dispatched. Scheduled posts that are not yet due only get their
// remaining time refreshed. Before Start nothing is dispatched and due posts
// stay scheduled.
func (s *Service) Tick(ctx context.Context) []string {
	if !s.exec.opened() {
		return nil
	}
	now := s.clk.Now()
	var dispatched []string
	for _, p := range s.reg.ListStatus(post.StatusScheduled) {
		if ctx.Err() != nil {
			break
		}
		if left := p.ScheduledAt.Sub(now); left > 0 {
			s.reg.SetTimeLeft(p.ID, left)
			continue
		}
		pending, err := s.reg.Update(p.ID, post.MarkPending())
		if err != nil {
			// Lost the race to a concurrent tick.
			if !errors.Is(err, post.ErrInvalidTransition) {
				s.log.Warn("mark pending failed", logx.String("post", p.ID), logx.Err(err))
			}
			continue
		}
		s.log.Debug("post due", logx.String("post", p.ID), logx.Time("scheduled_at", p.ScheduledAt))
		s.exec.dispatch(pending)
		dispatched = append(dispatched, p.ID)
	}
	if s.metrics != nil {
		s.metrics.setPosts(s.reg.Summary())
	}
	return dispatched
}
