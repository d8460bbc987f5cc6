package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
publishing:
  tick: 1s
  publish_timeout: 10s
publisher:
  driver: simulated
  failure_rate: 0
  circuit_breaker:
    enabled: true
    failure_threshold: 5
seed_posts:
  - content: hello
    in: 2s
    media:
      - name: cat.png
        size: 1024
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	if cfg.Publisher.FailureRate == nil || *cfg.Publisher.FailureRate != 0 {
		t.Fatalf("explicit zero failure_rate lost: %v", cfg.Publisher.FailureRate)
	}
	if !cfg.Publisher.CircuitBreaker.Enabled || cfg.Publisher.CircuitBreaker.FailureThreshold != 5 {
		t.Fatalf("breaker=%+v", cfg.Publisher.CircuitBreaker)
	}
	if len(cfg.SeedPosts) != 1 || cfg.SeedPosts[0].Media[0].Size != 1024 {
		t.Fatalf("seed posts=%+v", cfg.SeedPosts)
	}
	if cfg.Storage != nil {
		t.Fatalf("storage should stay nil when omitted")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"publishing":{"tik":"1s"}}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode("c.yaml", []byte("bogus: 1\n")); err == nil {
		t.Fatalf("unknown yaml key accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
	if _, err := Decode("c.json", []byte(`{}`)); err != nil {
		t.Fatalf("empty object: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " "); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default not applied: %v", d)
	}
	if d, _ := ParseDurationOrDefault("x", "250ms", 5*time.Second); d != 250*time.Millisecond {
		t.Fatalf("got %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Ops: OpsConfig{Enabled: true, Token: "secret"}}
	b := &Config{
		Ops:        OpsConfig{Enabled: true, Token: "rotated"},
		Publishing: PublishingConfig{StatsWindow: "1m"},
		Storage:    &StorageConfig{Driver: "file", Path: "j.jsonl"},
	}
	sections, attrs := SummarizeConfigChange(a, b)
	for _, want := range []string{"ops", "publishing", "storage"} {
		if !slices.Contains(sections, want) {
			t.Fatalf("missing %q in %v", want, sections)
		}
	}
	if slices.Contains(sections, "logging") {
		t.Fatalf("unchanged section reported: %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if s, _ := SummarizeConfigChange(b, b); len(s) != 0 {
		t.Fatalf("identical configs reported changes: %v", s)
	}
}

func TestManagerReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"publishing":{"tick":"1s"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Publishing.Tick == "0s" {
			return errors.New("tick must be positive")
		}
		return nil
	})

	// Unchanged content is not republished.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config published")
	default:
	}

	write(`{"publishing":{"tick":"0s"}}`)
	m.reload(context.Background())
	if got := m.Get().Publishing.Tick; got != "1s" {
		t.Fatalf("rejected config committed: tick=%s", got)
	}

	write(`{"publishing":{"tick":"2s"}}`)
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Publishing.Tick != "2s" {
			t.Fatalf("tick=%s", cfg.Publishing.Tick)
		}
	default:
		t.Fatalf("valid config not published")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Summary: SummaryConfig{Schedule: "a"}})
	m.publish(&Config{Summary: SummaryConfig{Schedule: "b"}})
	if got := (<-ch).Summary.Schedule; got != "b" {
		t.Fatalf("got %q, want newest", got)
	}
}
