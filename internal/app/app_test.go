package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postsched/internal/config"
	"postsched/internal/post"
)

func ptr[T any](v T) *T { return &v }

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}

	pc, err := mapPublishingConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Tick != time.Second || pc.PublishTimeout != 10*time.Second || pc.StatsWindow != 30*time.Second || pc.StatsInterval != 5*time.Second {
		t.Fatalf("publishing defaults: %+v", pc)
	}

	sim, guard, err := mapPublisherConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sim.FailureRate != 0.1 || sim.MinLatency != 100*time.Millisecond || sim.MaxLatency != 800*time.Millisecond {
		t.Fatalf("publisher defaults: %+v", sim)
	}
	if guard.RatePerSec != 0 || guard.Breaker.Enabled {
		t.Fatalf("guard should be off: %+v", guard)
	}

	ac, _ := mapAnalyticsConfig(cfg)
	if ac.MaxImpressions != 500 || ac.MaxLikes != 100 || ac.MaxComments != 30 || ac.MaxReposts != 50 {
		t.Fatalf("analytics defaults: %+v", ac)
	}

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil || !ec.Enabled {
		t.Fatalf("engine: %+v err=%v", ec, err)
	}

	if spec, _ := summarySchedule(cfg); spec != "@every 1m" {
		t.Fatalf("summary schedule=%q", spec)
	}
	if _, on, _ := mapStorageConfig(cfg); on {
		t.Fatal("storage should be off")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"bad tick", func(c *Config) { c.Publishing.Tick = "soon" }, "publishing.tick"},
		{"interval over window", func(c *Config) {
			c.Publishing.StatsWindow = "5s"
			c.Publishing.StatsInterval = "10s"
		}, "stats_interval"},
		{"failure rate", func(c *Config) { c.Publisher.FailureRate = ptr(1.5) }, "failure_rate"},
		{"latency order", func(c *Config) {
			c.Publisher.MinLatency = "2s"
			c.Publisher.MaxLatency = "1s"
		}, "max_latency"},
		{"driver", func(c *Config) { c.Publisher.Driver = "mastodon" }, "publisher.driver"},
		{"engine off", func(c *Config) { c.TaskEngine.Enabled = ptr(false) }, "task_engine.enabled"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"summary", func(c *Config) { c.Summary.Schedule = "whenever" }, "summary.schedule"},
		{"storage driver", func(c *Config) { c.Storage = &config.StorageConfig{Driver: "postgres", Path: "x"} }, "storage.driver"},
		{"storage path", func(c *Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"ops bind", func(c *Config) {
			c.Ops.Enabled = true
			c.Ops.Addr = "0.0.0.0:8089"
		}, "ops.addr"},
		{"seed in", func(c *Config) { c.SeedPosts = []config.SeedPost{{Content: "x", In: "0s"}} }, "seed_posts[0].in"},
		{"seed type", func(c *Config) { c.SeedPosts = []config.SeedPost{{Content: "x", ContentType: "gif", In: "1s"}} }, "content_type"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMapPublisherKeepsExplicitZeroFailureRate(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Publisher.FailureRate = ptr(0.0)
	cfg.Publisher.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 3}
	sim, guard, err := mapPublisherConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sim.FailureRate != 0 {
		t.Fatalf("failure rate=%v", sim.FailureRate)
	}
	b := guard.Breaker
	if !b.Enabled || b.FailureThreshold != 3 || b.Window != 3 || b.SuccessThreshold != 1 || b.Delay != 30*time.Second {
		t.Fatalf("breaker=%+v", b)
	}
}

func TestMapStoragePlan(t *testing.T) {
	t.Parallel()
	cfg := &Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "/tmp/x", Retention: "48h", PruneSchedule: "off"}}
	plan, on, err := mapStorageConfig(cfg)
	if err != nil || !on {
		t.Fatalf("on=%v err=%v", on, err)
	}
	if plan.cfg.Driver != "sqlite" || plan.cfg.BusyTimeout != time.Second || plan.retention != 48*time.Hour || plan.pruneSchedule != "off" {
		t.Fatalf("plan=%+v", plan)
	}
}

func TestMapSeedPostsRelativeToNow(t *testing.T) {
	t.Parallel()
	cfg := &Config{SeedPosts: []config.SeedPost{{
		Content: "launch", ContentType: "image", In: "90s",
		Media: []config.SeedMedia{{Name: "a.png", MimeType: "image/png", Size: 10}},
	}}}
	seeds, err := mapSeedPosts(cfg)
	if err != nil || len(seeds) != 1 {
		t.Fatalf("seeds=%d err=%v", len(seeds), err)
	}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d := seeds[0].draft(now)
	if !d.ScheduledAt.Equal(now.Add(90*time.Second)) || d.ContentType != "image" || len(d.Media) != 1 || d.Media[0].Name != "a.png" {
		t.Fatalf("draft=%+v", d)
	}
}

const integrationConfig = `
logging:
  level: error
publishing:
  tick: 20ms
  publish_timeout: 2s
  stats_window: 300ms
  stats_interval: 50ms
publisher:
  failure_rate: 0
  min_latency: 1ms
  max_latency: 5ms
scheduler:
  enabled: true
summary:
  schedule: "off"
storage:
  driver: file
  path: %JOURNAL%
  prune_schedule: "off"
seed_posts:
  - content: hello world
    content_type: text
    in: 100ms
`

func TestAppPublishesSeedPost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(integrationConfig, "%JOURNAL%", filepath.Join(dir, "posts"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var published post.Post
	deadline := time.Now().Add(5 * time.Second)
	for {
		posts := a.Publishing().ListPosts()
		if len(posts) == 1 && posts[0].Status == post.StatusPublished && posts[0].Tracking.StatsFinal {
			published = posts[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("post never finished tracking: %+v", posts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if published.Content != "hello world" || published.PublishedAt.IsZero() {
		t.Fatalf("post=%+v", published)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "posts.journal.jsonl"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	for _, ev := range []string{"post.created", "post.pending", "post.published", "post.stats_closed"} {
		if !strings.Contains(string(data), ev) {
			t.Fatalf("journal missing %s:\n%s", ev, data)
		}
	}
}
