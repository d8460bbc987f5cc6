package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postsched/internal/gateway"
	"postsched/internal/observability/ops"
	"postsched/internal/post"
	"postsched/internal/publishing"
	"postsched/internal/task/engine"
	"postsched/internal/task/scheduler"
	logx "postsched/pkg/logx"
)

const (
	defaultFailureRate     = 0.1
	defaultMinLatency      = 100 * time.Millisecond
	defaultMaxLatency      = 800 * time.Millisecond
	defaultSummarySchedule = "@every 1m"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPublishingConfig(cfg *Config) (publishing.Config, error) {
	pc := cfg.Publishing
	var (
		out publishing.Config
		err error
	)
	if out.Tick, err = parseDurationOrDefault("publishing.tick", pc.Tick, publishing.DefaultTick); err != nil {
		return out, err
	}
	if out.PublishTimeout, err = parseDurationOrDefault("publishing.publish_timeout", pc.PublishTimeout, publishing.DefaultPublishTimeout); err != nil {
		return out, err
	}
	if out.StatsWindow, err = parseDurationOrDefault("publishing.stats_window", pc.StatsWindow, publishing.DefaultStatsWindow); err != nil {
		return out, err
	}
	if out.StatsInterval, err = parseDurationOrDefault("publishing.stats_interval", pc.StatsInterval, publishing.DefaultStatsInterval); err != nil {
		return out, err
	}
	if out.StatsInterval > out.StatsWindow {
		return out, fmt.Errorf("publishing.stats_interval (%s) must not exceed publishing.stats_window (%s)", out.StatsInterval, out.StatsWindow)
	}
	return out, nil
}

// mapPublisherConfig returns the simulated publisher tuning and the guard
// wrapped around it.
func mapPublisherConfig(cfg *Config) (gateway.SimConfig, gateway.GuardConfig, error) {
	pc := cfg.Publisher
	if d := strings.TrimSpace(pc.Driver); d != "" && !strings.EqualFold(d, "simulated") {
		return gateway.SimConfig{}, gateway.GuardConfig{}, fmt.Errorf("unknown publisher.driver: %s", d)
	}

	sim := gateway.SimConfig{FailureRate: defaultFailureRate, Seed: pc.Seed}
	if pc.FailureRate != nil {
		if *pc.FailureRate < 0 || *pc.FailureRate > 1 {
			return sim, gateway.GuardConfig{}, fmt.Errorf("publisher.failure_rate must be within [0,1]")
		}
		sim.FailureRate = *pc.FailureRate
	}
	var err error
	if sim.MinLatency, err = parseDurationOrDefault("publisher.min_latency", pc.MinLatency, defaultMinLatency); err != nil {
		return sim, gateway.GuardConfig{}, err
	}
	if sim.MaxLatency, err = parseDurationOrDefault("publisher.max_latency", pc.MaxLatency, max(defaultMaxLatency, sim.MinLatency)); err != nil {
		return sim, gateway.GuardConfig{}, err
	}
	if sim.MaxLatency < sim.MinLatency {
		return sim, gateway.GuardConfig{}, fmt.Errorf("publisher.max_latency must be >= publisher.min_latency")
	}

	if pc.RatePerSec < 0 || pc.Burst < 0 {
		return sim, gateway.GuardConfig{}, fmt.Errorf("publisher.rate_per_sec and publisher.burst must be >= 0")
	}
	guard := gateway.GuardConfig{RatePerSec: pc.RatePerSec, Burst: pc.Burst}
	cb := pc.CircuitBreaker
	if cb.Enabled {
		delay, err := parseDurationOrDefault("publisher.circuit_breaker.delay", cb.Delay, 30*time.Second)
		if err != nil {
			return sim, guard, err
		}
		guard.Breaker = gateway.BreakerConfig{
			Enabled:          true,
			FailureThreshold: max(cb.FailureThreshold, 1),
			Window:           max(cb.Window, cb.FailureThreshold, 1),
			Delay:            delay,
			SuccessThreshold: max(cb.SuccessThreshold, 1),
		}
	}
	return sim, guard, nil
}

func mapAnalyticsConfig(cfg *Config) (gateway.AnalyticsConfig, error) {
	ac := cfg.Analytics
	if ac.MaxImpressions < 0 || ac.MaxLikes < 0 || ac.MaxComments < 0 || ac.MaxReposts < 0 {
		return gateway.AnalyticsConfig{}, fmt.Errorf("analytics.max_* must be >= 0")
	}
	or := func(v, def int64) int64 {
		if v == 0 {
			return def
		}
		return v
	}
	return gateway.AnalyticsConfig{
		MaxImpressions: or(ac.MaxImpressions, 500),
		MaxLikes:       or(ac.MaxLikes, 100),
		MaxComments:    or(ac.MaxComments, 30),
		MaxReposts:     or(ac.MaxReposts, 50),
		Seed:           ac.Seed,
	}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := te.Enabled == nil || *te.Enabled
	if !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false: publish attempts run on the engine")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers, queue_size and history_size must be >= 0")
	}
	defTimeout, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// summarySchedule returns the summary job schedule, or "" when disabled.
func summarySchedule(cfg *Config) (string, error) {
	raw := strings.TrimSpace(cfg.Summary.Schedule)
	switch {
	case raw == "":
		return defaultSummarySchedule, nil
	case strings.EqualFold(raw, "off"):
		return "", nil
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return "", fmt.Errorf("summary.schedule: %w", err)
	}
	return raw, nil
}

func mapOpsConfig(cfg *Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// /debug/pprof/profile streams for 30s by default.
	if out.WriteTimeout, err = parseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.Enabled {
		if err := ops.CheckBind(out.Addr, out.Token, out.AllowInsecure); err != nil {
			return out, fmt.Errorf("ops.addr %s: %w", out.Addr, err)
		}
	}
	return out, nil
}

// seedDraft is a configured post relative to startup.
type seedDraft struct {
	draft func(now time.Time) Draft
}

type Draft = publishing.Draft

func mapSeedPosts(cfg *Config) ([]seedDraft, error) {
	out := make([]seedDraft, 0, len(cfg.SeedPosts))
	for i, sp := range cfg.SeedPosts {
		key := fmt.Sprintf("seed_posts[%d]", i)
		in, err := parseDurationField(key+".in", sp.In)
		if err != nil {
			return nil, err
		}
		if in <= 0 {
			return nil, fmt.Errorf("%s.in must be > 0", key)
		}
		if _, ok := post.ParseContentType(sp.ContentType); !ok {
			return nil, fmt.Errorf("%s.content_type: unknown %q", key, sp.ContentType)
		}
		media := make([]post.Media, 0, len(sp.Media))
		for _, m := range sp.Media {
			media = append(media, post.Media{Name: m.Name, MimeType: m.MimeType, Size: m.Size, URL: m.URL})
		}
		content, ct := sp.Content, sp.ContentType
		out = append(out, seedDraft{draft: func(now time.Time) Draft {
			return Draft{Content: content, ContentType: ct, Media: media, ScheduledAt: now.Add(in)}
		}})
	}
	return out, nil
}

// Validate checks every section the app maps. check-config and the hot
// reload validator both use it.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown %q", lvl)
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when logging.file.enabled is true")
	}
	checks := []func() error{
		func() error { _, err := mapPublishingConfig(cfg); return err },
		func() error { _, _, err := mapPublisherConfig(cfg); return err },
		func() error { _, err := mapAnalyticsConfig(cfg); return err },
		func() error { _, err := mapTaskEngineConfig(cfg); return err },
		func() error { _, err := mapSchedulerConfig(cfg); return err },
		func() error { _, err := summarySchedule(cfg); return err },
		func() error { _, _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapOpsConfig(cfg); return err },
		func() error { _, err := mapSeedPosts(cfg); return err },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
