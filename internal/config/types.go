package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "5s", "1m"). Empty or zero
// durations fall back to the documented defaults when mapped by the app.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Publishing PublishingConfig `json:"publishing"`
	Publisher  PublisherConfig  `json:"publisher"`
	Analytics  AnalyticsConfig  `json:"analytics"`

	// TaskEngine runs publish attempts and scheduled maintenance jobs.
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Summary    SummaryConfig    `json:"summary"`

	// Storage enables the lifecycle journal. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops"`

	// SeedPosts are created at startup, each due "in" after boot.
	SeedPosts []SeedPost `json:"seed_posts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PublishingConfig drives the scheduling loop, executor and stats trackers.
//
// Defaults: tick "1s", publish_timeout "10s", stats_window "30s",
// stats_interval "5s".
type PublishingConfig struct {
	Tick           string `json:"tick,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	StatsWindow    string `json:"stats_window,omitempty"`
	StatsInterval  string `json:"stats_interval,omitempty"`
}

// PublisherConfig selects and tunes the publish gateway.
//
// Only the "simulated" driver exists. FailureRate is a pointer so an explicit
// 0 can be told apart from the 0.1 default.
type PublisherConfig struct {
	Driver      string   `json:"driver,omitempty"`
	FailureRate *float64 `json:"failure_rate,omitempty"`
	MinLatency  string   `json:"min_latency,omitempty"`
	MaxLatency  string   `json:"max_latency,omitempty"`
	Seed        uint64   `json:"seed,omitempty"`

	RatePerSec     float64              `json:"rate_per_sec,omitempty"`
	Burst          int                  `json:"burst,omitempty"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool   `json:"enabled"`
	FailureThreshold uint   `json:"failure_threshold,omitempty"`
	Window           uint   `json:"window,omitempty"`
	Delay            string `json:"delay,omitempty"`
	SuccessThreshold uint   `json:"success_threshold,omitempty"`
}

// AnalyticsConfig bounds the simulated per-poll increments.
type AnalyticsConfig struct {
	MaxImpressions int64  `json:"max_impressions,omitempty"`
	MaxLikes       int64  `json:"max_likes,omitempty"`
	MaxComments    int64  `json:"max_comments,omitempty"`
	MaxReposts     int64  `json:"max_reposts,omitempty"`
	Seed           uint64 `json:"seed,omitempty"`
}

// TaskEngineConfig controls the worker pool.
//
// Enabled is a pointer so an omitted key means enabled; publishing cannot
// work without the engine.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// SummaryConfig controls the periodic dashboard summary log.
type SummaryConfig struct {
	Schedule string `json:"schedule,omitempty"` // default "@every 1m"; "off" disables
}

// StorageConfig selects the journal driver.
//
//	"storage": { "driver": "sqlite", "path": "./postsched.db", "retention": "168h" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Bind to loopback unless a token is set; a non-loopback address without a
// token is rejected unless allow_insecure is true.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SeedPost struct {
	Content     string      `json:"content"`
	ContentType string      `json:"content_type,omitempty"`
	Media       []SeedMedia `json:"media,omitempty"`
	In          string      `json:"in"`
}

type SeedMedia struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}
