package gateway

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"postsched/internal/clock"
	"postsched/internal/post"
)

// SimConfig tunes the simulated publisher.
type SimConfig struct {
	FailureRate float64 // probability in [0,1] that an attempt is rejected
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Seed        uint64 // 0 picks a random seed
}

// Simulated stands in for the platform's publish endpoint: every attempt
// waits a random latency and then fails with probability FailureRate.
type Simulated struct {
	clk clock.Clock

	mu  sync.Mutex
	cfg SimConfig
	rnd *rand.Rand
}

func NewSimulated(cfg SimConfig, clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.Real()
	}
	return &Simulated{clk: clk, cfg: normalizeSim(cfg), rnd: newRand(cfg.Seed)}
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func normalizeSim(cfg SimConfig) SimConfig {
	cfg.FailureRate = min(max(cfg.FailureRate, 0), 1)
	cfg.MinLatency = max(cfg.MinLatency, 0)
	cfg.MaxLatency = max(cfg.MaxLatency, cfg.MinLatency)
	return cfg
}

// Apply swaps the tuning at runtime; the seed is kept.
func (s *Simulated) Apply(cfg SimConfig) {
	s.mu.Lock()
	s.cfg = normalizeSim(cfg)
	s.mu.Unlock()
}

func (s *Simulated) roll() (latency time.Duration, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency = s.cfg.MinLatency
	if span := s.cfg.MaxLatency - s.cfg.MinLatency; span > 0 {
		latency += time.Duration(s.rnd.Int64N(int64(span) + 1))
	}
	return latency, s.rnd.Float64() < s.cfg.FailureRate
}

func (s *Simulated) Publish(ctx context.Context, p post.Post) error {
	if strings.TrimSpace(p.Content) == "" && len(p.Media) == 0 {
		return &PublishError{Reason: "empty post", Err: ErrRejected}
	}
	latency, fail := s.roll()
	if latency > 0 {
		t := s.clk.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Timeout(ctx.Err())
		case <-t.C():
		}
	}
	if fail {
		return &PublishError{Reason: "rejected by platform", Err: ErrRejected}
	}
	return nil
}

// AnalyticsConfig bounds the per-poll random increments.
type AnalyticsConfig struct {
	MaxImpressions int64
	MaxLikes       int64
	MaxComments    int64
	MaxReposts     int64
	Seed           uint64
}

// SimulatedAnalytics returns bounded random increments. Engagements are at
// least likes + comments + reposts of the same poll.
type SimulatedAnalytics struct {
	mu  sync.Mutex
	cfg AnalyticsConfig
	rnd *rand.Rand
}

func NewSimulatedAnalytics(cfg AnalyticsConfig) *SimulatedAnalytics {
	return &SimulatedAnalytics{cfg: cfg, rnd: newRand(cfg.Seed)}
}

func (a *SimulatedAnalytics) Apply(cfg AnalyticsConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *SimulatedAnalytics) PollStats(ctx context.Context, _ string) (post.Stats, error) {
	if err := ctx.Err(); err != nil {
		return post.Stats{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	upTo := func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return a.rnd.Int64N(n + 1)
	}
	d := post.Stats{
		Impressions: upTo(a.cfg.MaxImpressions),
		Likes:       upTo(a.cfg.MaxLikes),
		Comments:    upTo(a.cfg.MaxComments),
		Reposts:     upTo(a.cfg.MaxReposts),
	}
	d.Engagements = d.Likes + d.Comments + d.Reposts + upTo(a.cfg.MaxLikes/4)
	return d, nil
}
