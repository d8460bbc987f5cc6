package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"postsched/internal/post"
	logx "postsched/pkg/logx"
)

// GuardConfig configures the outbound protections around a Publisher.
type GuardConfig struct {
	// RatePerSec limits attempts per second; <= 0 disables the limiter.
	RatePerSec float64
	Burst      int

	Breaker BreakerConfig
}

// BreakerConfig trips after FailureThreshold failures within the last
// Window attempts and stays open for Delay.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint
	Window           uint
	Delay            time.Duration
	SuccessThreshold uint
}

// Guarded wraps a Publisher with a rate limiter and a circuit breaker.
type Guarded struct {
	next    Publisher
	limiter *rate.Limiter
	cb      circuitbreaker.CircuitBreaker[any]
	log     logx.Logger
}

func NewGuarded(next Publisher, cfg GuardConfig, log logx.Logger) *Guarded {
	g := &Guarded{next: next, log: log}
	if cfg.RatePerSec > 0 {
		burst := max(cfg.Burst, 1)
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if cfg.Breaker.Enabled {
		g.cb = newBreaker(cfg.Breaker, log)
	}
	return g
}

func newBreaker(cfg BreakerConfig, log logx.Logger) circuitbreaker.CircuitBreaker[any] {
	window := max(cfg.Window, 1)
	threshold := min(max(cfg.FailureThreshold, 1), window)
	delay := cfg.Delay
	if delay <= 0 {
		delay = 15 * time.Second
	}
	return circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(threshold, window).
		WithDelay(delay).
		WithSuccessThreshold(max(cfg.SuccessThreshold, 1)).
		HandleIf(func(_ any, err error) bool {
			// A caller giving up is not the platform's fault.
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("publisher circuit breaker state change",
				logx.String("from", stateName(e.OldState)),
				logx.String("to", stateName(e.NewState)))
		}).
		Build()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	}
	return "unknown"
}

// BreakerState is "disabled" when no breaker is configured.
func (g *Guarded) BreakerState() string {
	if g.cb == nil {
		return "disabled"
	}
	return stateName(g.cb.State())
}

func (g *Guarded) Publish(ctx context.Context, p post.Post) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Timeout(err)
		}
	}
	if g.cb == nil {
		return g.next.Publish(ctx, p)
	}
	_, err := failsafe.With(g.cb).Get(func() (any, error) {
		return nil, g.next.Publish(ctx, p)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &PublishError{Reason: "publisher unavailable", Err: errors.Join(ErrUnavailable, err)}
	}
	return err
}
