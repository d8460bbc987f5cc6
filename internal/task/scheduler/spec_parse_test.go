package scheduler

import (
	"context"
	"testing"
	"time"

	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tag := range []string{"summary", "journal.prune", "a", "b", "c"} {
		sched, spread := makeIntervalScheduleWithSpread(time.Minute, now, tag)
		if spread < 0 || spread >= 30*time.Second || spread%time.Second != 0 {
			t.Fatalf("%s: spread=%v", tag, spread)
		}
		first := sched.Next(now)
		if want := now.Add(time.Minute + spread); !first.Equal(want) {
			t.Fatalf("%s: first=%v want %v", tag, first, want)
		}
		if second := sched.Next(first); second.Sub(first) != time.Minute {
			t.Fatalf("%s: second run %v after first", tag, second.Sub(first))
		}
	}
}

func TestAddScheduleUpsertsAndRemoves(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("summary", "@every 1m", time.Second, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddSchedule("summary", "5m", time.Second, job); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.AddSchedule("bad", "61 * * * *", time.Second, job); err == nil {
		t.Fatalf("invalid cron accepted")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 5m0s" {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatalf("expected next run to be computed")
	}
	if !s.Remove("summary") || s.Remove("summary") {
		t.Fatalf("remove should succeed exactly once")
	}
}

func TestTriggerEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 2}, logx.Nop())
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	ran := make(chan struct{}, 1)
	s := New(Config{Enabled: true}, eng, logx.Nop())
	s.trigger(&scheduleDef{name: "prune", job: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
}
