// Package publishing runs the scheduled-post lifecycle: the scheduling loop
// that finds due posts, the executor that publishes them on the task engine,
// and the trackers that collect engagement stats after publishing.
package publishing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postsched/internal/clock"
	"postsched/internal/gateway"
	"postsched/internal/post"
	rtsup "postsched/internal/runtime/supervisor"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

const (
	DefaultTick           = time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultStatsWindow    = 30 * time.Second
	DefaultStatsInterval  = 5 * time.Second
)

// Config is mapped from config.publishing by the app.
type Config struct {
	Tick           time.Duration
	PublishTimeout time.Duration
	StatsWindow    time.Duration
	StatsInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = DefaultStatsWindow
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

// Draft is a post as submitted by the creation form.
type Draft struct {
	Content     string
	ContentType string
	Media       []post.Media
	ScheduledAt time.Time
}

type Option func(*Service)

func WithClock(clk clock.Clock) Option { return func(s *Service) { s.clk = clk } }

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithIDs replaces the uuid generator.
func WithIDs(fn func() string) Option { return func(s *Service) { s.newID = fn } }

type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	clk     clock.Clock
	log     logx.Logger
	metrics *Metrics
	newID   func() string

	reg *post.Registry
	pub gateway.Publisher
	an  gateway.Analytics
	eng *engine.Service

	exec      *executor
	trk       *tracker
	tickReset chan struct{}
}

func New(cfg Config, reg *post.Registry, pub gateway.Publisher, an gateway.Analytics, eng *engine.Service, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		clk:       clock.Real(),
		newID:     uuid.NewString,
		reg:       reg,
		pub:       pub,
		an:        an,
		eng:       eng,
		tickReset: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.exec = newExecutor(s)
	s.trk = newTracker(s)
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the timing config. Running trackers keep the window they were
// opened with; attempts already dispatched keep their timeout.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prevTick := s.cfg.Tick
	s.cfg = cfg
	s.mu.Unlock()
	if prevTick != cfg.Tick {
		select {
		case s.tickReset <- struct{}{}:
		default:
		}
	}
}

// Start launches the scheduling loop. The engine must be started by the
// caller. Only the first call has any effect.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.exec.open(s.sup.Context())
	s.trk.open(s.sup)
	s.sup.Go("publishing.loop", s.run)
}

// Stop ends the loop and all trackers, fails whatever attempts are still in
// flight with "session closed" and returns once nothing else will touch the
// registry, or when ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	s.exec.close(ctx)
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("publishing stop incomplete", logx.Err(err))
	}
	s.log.Info("publishing stopped", logx.Int("active_trackers", s.trk.count()))
}

// Supervisor exposes the goroutine snapshot for /healthz.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// CreatePost validates d and registers it as a scheduled post.
func (s *Service) CreatePost(ctx context.Context, d Draft) (post.Post, error) {
	if err := ctx.Err(); err != nil {
		return post.Post{}, err
	}
	ct, ok := post.ParseContentType(d.ContentType)
	if !ok {
		return post.Post{}, fmt.Errorf("%w: unknown content type %q", post.ErrInvalidContent, d.ContentType)
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Media) == 0 {
		return post.Post{}, fmt.Errorf("%w: empty content and no media", post.ErrInvalidContent)
	}
	for i, m := range d.Media {
		if strings.TrimSpace(m.Name) == "" {
			return post.Post{}, fmt.Errorf("%w: media[%d] has no name", post.ErrInvalidContent, i)
		}
	}
	now := s.clk.Now()
	if !d.ScheduledAt.After(now) {
		return post.Post{}, fmt.Errorf("%w: %s is not after %s", post.ErrInvalidTime,
			d.ScheduledAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	p := post.New(s.newID(), d.Content, ct, d.Media, d.ScheduledAt, now)
	if err := s.reg.Add(p); err != nil {
		return post.Post{}, err
	}
	s.log.Info("post scheduled",
		logx.String("post", p.ID),
		logx.String("content_type", string(ct)),
		logx.Time("scheduled_at", p.ScheduledAt),
		logx.String("in", post.FormatRemaining(p.TimeLeft)))
	return p, nil
}

// ListPosts returns every post in creation order.
func (s *Service) ListPosts() []post.Post { return s.reg.List() }

func (s *Service) GetPost(id string) (post.Post, error) { return s.reg.Get(id) }

func (s *Service) Summary() post.Summary { return s.reg.Summary() }

// StartTracking opens a stats window for a published post that never had
// one. It reports whether a tracker was started.
func (s *Service) StartTracking(id string) bool { return s.trk.start(id) }

// Tracking reports whether a stats tracker is running for id.
func (s *Service) Tracking(id string) bool { return s.trk.isActive(id) }

// InFlight is the number of dispatched posts awaiting their outcome.
func (s *Service) InFlight() int { return s.exec.inFlight() }
