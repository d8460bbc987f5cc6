package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "postsched/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task result")
		return Result{}
	}
}

func TestEnqueueRunsTaskAndReportsResult(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	done := make(chan Result, 1)
	boom := errors.New("boom")
	err := s.Enqueue(Task{
		Name:   "publish",
		Run:    func(context.Context) error { return boom },
		OnDone: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r := waitResult(t, done)
	if !errors.Is(r.Err, boom) || r.Name != "publish" || r.ID == "" {
		t.Fatalf("result=%+v", r)
	}

	snap := s.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Error != "boom" {
		t.Fatalf("history=%+v", snap.History)
	}
}

func TestDisabledAndStoppedEngine(t *testing.T) {
	t.Parallel()

	task := Task{Name: "x", Run: func(context.Context) error { return nil }}

	disabled := New(Config{}, logx.Nop())
	disabled.Start(context.Background())
	if err := disabled.Enqueue(task); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	notStarted := New(Config{Enabled: true}, logx.Nop())
	if err := notStarted.Enqueue(task); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	if err := notStarted.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("nil Run accepted")
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(r Result) { done <- r },
	})
	if r := waitResult(t, done); !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", r.Err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 2})
	done := make(chan Result, 2)
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("kaboom") }, OnDone: func(r Result) { done <- r }})
	_ = s.Enqueue(Task{Name: "good", Run: func(context.Context) error { return nil }, OnDone: func(r Result) { done <- r }})

	if r := waitResult(t, done); r.Err == nil || r.Name != "bad" {
		t.Fatalf("first=%+v", r)
	}
	if r := waitResult(t, done); r.Err != nil || r.Name != "good" {
		t.Fatalf("worker did not survive panic: %+v", r)
	}
}

func TestQueueFullAndOverlap(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	block := Task{Name: "block", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("enqueue block: %v", err)
	}
	<-started

	if err := s.Enqueue(Task{Name: "block", Overlap: OverlapSkipIfRunning, Run: block.Run}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlap: %v", err)
	}
	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "queued", Run: noop}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow: %v", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestStopReportsQueuedTasks(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop())
	s.Start(context.Background())

	var mu sync.Mutex
	results := map[string]error{}
	var wg sync.WaitGroup
	record := func(r Result) {
		mu.Lock()
		results[r.Name] = r.Err
		mu.Unlock()
		wg.Done()
	}

	started := make(chan struct{})
	wg.Add(3)
	_ = s.Enqueue(Task{Name: "running", OnDone: record, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	_ = s.Enqueue(Task{Name: "q1", OnDone: record, Run: func(context.Context) error { return nil }})
	_ = s.Enqueue(Task{Name: "q2", OnDone: record, Run: func(context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	wg.Wait()

	if !errors.Is(results["running"], context.Canceled) {
		t.Fatalf("running: %v", results["running"])
	}
	for _, name := range []string{"q1", "q2"} {
		if !errors.Is(results[name], ErrStopped) {
			t.Fatalf("%s: %v", name, results[name])
		}
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop: %v", err)
	}
}

func TestStaleTasksAreDropped(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 2, MaxQueueDelay: 10 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.Enqueue(Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	done := make(chan Result, 1)
	ran := false
	_ = s.Enqueue(Task{Name: "stale", Run: func(context.Context) error { ran = true; return nil }, OnDone: func(r Result) { done <- r }})
	time.Sleep(50 * time.Millisecond)
	close(release)

	if r := waitResult(t, done); !errors.Is(r.Err, ErrStale) || ran {
		t.Fatalf("result=%+v ran=%v", r, ran)
	}
}

func TestApplyPoolShapeKeepsRunningWork(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 2})
	started := make(chan struct{})
	release := make(chan struct{})
	running := make(chan Result, 1)
	queued := make(chan Result, 1)
	_ = s.Enqueue(Task{Name: "running", OnDone: func(r Result) { running <- r }, Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
	<-started
	if err := s.Enqueue(Task{Name: "queued", OnDone: func(r Result) { queued <- r }, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}

	s.Apply(context.Background(), Config{Enabled: true, Workers: 3, QueueSize: 8, DefaultTimeout: time.Minute})

	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after apply: %v", err)
	}
	close(release)
	if r := waitResult(t, running); r.Err != nil {
		t.Fatalf("running: %v", r.Err)
	}
	if r := waitResult(t, queued); r.Err != nil {
		t.Fatalf("queued: %v", r.Err)
	}

	snap := s.Snapshot()
	if snap.Workers != 1 || snap.QueueCap != 2 || snap.DefaultTimeout != time.Minute {
		t.Fatalf("snapshot workers=%d cap=%d timeout=%s", snap.Workers, snap.QueueCap, snap.DefaultTimeout)
	}
}

func TestApplyPoolShapeUsedOnRestart(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 2}, logx.Nop())
	s.Start(context.Background())
	s.Apply(context.Background(), Config{Enabled: true, Workers: 2, QueueSize: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Start(ctx)
	defer s.Stop(ctx)

	if snap := s.Snapshot(); snap.Workers != 2 || snap.QueueCap != 5 {
		t.Fatalf("snapshot workers=%d cap=%d", snap.Workers, snap.QueueCap)
	}
}
