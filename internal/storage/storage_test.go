package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postsched/internal/eventbus"
	"postsched/internal/post"
	logx "postsched/pkg/logx"
)

func openDriver(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "postsched.db")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, cfg
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestJournalDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, cfg := openDriver(t, driver)
			ctx := context.Background()
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			events := []string{eventbus.PostCreated, eventbus.PostPending, eventbus.PostPublished, eventbus.PostStats}
			for i, ev := range events {
				e := Entry{At: base.Add(time.Duration(i) * time.Minute), Event: ev, PostID: "p1", Status: "published"}
				if ev == eventbus.PostStats {
					e.Stats = post.Stats{Impressions: 42, Likes: 3}
					e.Polls = 1
				}
				if err := st.Append(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].Event != eventbus.PostPublished || got[1].Event != eventbus.PostStats {
				t.Fatalf("recent=%+v", got)
			}
			if got[1].Stats.Impressions != 42 || got[1].Polls != 1 || got[0].Seq >= got[1].Seq {
				t.Fatalf("last entry=%+v", got[1])
			}
			if !got[1].At.Equal(base.Add(3 * time.Minute)) {
				t.Fatalf("at=%v", got[1].At)
			}

			n, err := st.Prune(ctx, base.Add(2*time.Minute))
			if err != nil || n != 2 {
				t.Fatalf("prune n=%d err=%v", n, err)
			}
			if err := st.Append(ctx, Entry{At: base.Add(time.Hour), Event: eventbus.PostStatsClosed, PostID: "p1", Status: "published"}); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
			got, _ = st.Recent(ctx, 10)
			if len(got) != 3 || got[2].Event != eventbus.PostStatsClosed {
				t.Fatalf("after prune=%+v", got)
			}

			// Entries survive a reopen.
			_ = st.Close()
			re, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer re.Close()
			got, _ = re.Recent(ctx, 10)
			if len(got) != 3 {
				t.Fatalf("after reopen=%d entries", len(got))
			}
		})
	}
}

func TestRecorderCopiesPostEvents(t *testing.T) {
	t.Parallel()
	st, _ := openDriver(t, "file")
	bus := eventbus.New()
	reg := post.NewRegistry(post.WithBus(bus))
	rec := NewRecorder(bus, st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
	if err := reg.Add(post.New("p1", "x", post.ContentText, nil, time.Now().Add(time.Hour), time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := reg.Update("p1", post.MarkPending()); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if _, err := reg.Update("p1", post.MarkFailed("rejected by platform")); err != nil {
		t.Fatalf("failed: %v", err)
	}

	var got []Entry
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ = st.Recent(context.Background(), 10)
		if len(got) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal=%+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	want := []string{eventbus.PostCreated, eventbus.PostPending, eventbus.PostFailed}
	for i, e := range got {
		if e.Event != want[i] || e.PostID != "p1" {
			t.Fatalf("entry %d=%+v", i, e)
		}
	}
	if last := got[2]; last.Reason != "rejected by platform" || last.Status != "failed" {
		t.Fatalf("last=%+v", last)
	}

	cancel()
	<-done
}
