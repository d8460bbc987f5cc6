package config

import (
	"reflect"
	"strings"

	logx "postsched/pkg/logx"
)

// SummarizeConfigChange returns the names of the sections that changed and
// structured attrs describing their new values. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Publishing != newCfg.Publishing {
		changed = append(changed, "publishing")
		attrs = append(attrs,
			logx.String("publishing.tick", newCfg.Publishing.Tick),
			logx.String("publishing.publish_timeout", newCfg.Publishing.PublishTimeout),
			logx.String("publishing.stats_window", newCfg.Publishing.StatsWindow),
			logx.String("publishing.stats_interval", newCfg.Publishing.StatsInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		rate := -1.0
		if newCfg.Publisher.FailureRate != nil {
			rate = *newCfg.Publisher.FailureRate
		}
		attrs = append(attrs,
			logx.String("publisher.driver", newCfg.Publisher.Driver),
			logx.Float64("publisher.failure_rate", rate),
			logx.Float64("publisher.rate_per_sec", newCfg.Publisher.RatePerSec),
			logx.Bool("publisher.breaker", newCfg.Publisher.CircuitBreaker.Enabled),
		)
	}

	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
		attrs = append(attrs,
			logx.Int64("analytics.max_impressions", newCfg.Analytics.MaxImpressions),
			logx.Int64("analytics.max_likes", newCfg.Analytics.MaxLikes),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.TaskEngine.Enabled == nil || *newCfg.TaskEngine.Enabled),
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Summary.Schedule) != strings.TrimSpace(newCfg.Summary.Schedule) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("summary.schedule", strings.TrimSpace(newCfg.Summary.Schedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		} else {
			attrs = append(attrs, logx.Bool("storage.enabled", false))
		}
	}

	// Ops (never log token)
	o, n := oldCfg.Ops, newCfg.Ops
	if o.Enabled != n.Enabled || o.Addr != n.Addr || o.AllowInsecure != n.AllowInsecure ||
		o.Pprof != n.Pprof || o.ReadTimeout != n.ReadTimeout || o.WriteTimeout != n.WriteTimeout ||
		o.IdleTimeout != n.IdleTimeout || o.Token != n.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Enabled),
			logx.String("ops.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Bool("ops.pprof", n.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.SeedPosts, newCfg.SeedPosts) {
		changed = append(changed, "seed_posts")
		attrs = append(attrs, logx.Int("seed_posts.count", len(newCfg.SeedPosts)))
	}

	return changed, attrs
}
