package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"postsched/internal/post"
	"postsched/internal/storage"
	logx "postsched/pkg/logx"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newDeps(t *testing.T) Deps {
	t.Helper()
	reg := post.NewRegistry()
	for i, in := range []time.Duration{90 * time.Second, 26*time.Hour + 5*time.Second} {
		id := []string{"a", "b"}[i]
		if err := reg.Add(post.New(id, "hello", post.ContentText, nil, now.Add(in), now)); err != nil {
			t.Fatal(err)
		}
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	_ = st.Append(context.Background(), storage.Entry{At: now, Event: "post.created", PostID: "a", Status: "scheduled"})

	pr := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "postsched_test_total", Help: "test"})
	pr.MustRegister(c)
	c.Inc()

	return Deps{
		Posts:    registryPosts{reg},
		Journal:  st,
		Registry: pr,
		Health:   func() any { return map[string]int{"goroutines": 3} },
		Now:      func() time.Time { return now },
	}
}

type registryPosts struct{ r *post.Registry }

func (p registryPosts) ListPosts() []post.Post              { return p.r.List() }
func (p registryPosts) GetPost(id string) (post.Post, error) { return p.r.Get(id) }
func (p registryPosts) Summary() post.Summary                { return p.r.Summary() }

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostsEndpoints(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newDeps(t), logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/posts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var posts []struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		TimeLeft string `json:"time_left"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &posts); err != nil {
		t.Fatal(err)
	}
	if len(posts) != 2 || posts[0].ID != "a" || posts[0].TimeLeft != "1m 30s" || posts[1].TimeLeft != "1d 2h 5s" {
		t.Fatalf("posts=%+v", posts)
	}

	if rec := get(t, h, "/posts/b", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id": "b"`) {
		t.Fatalf("get b: %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/posts/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rec.Code)
	}

	var sum post.Summary
	rec = get(t, h, "/summary", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil || sum.Total != 2 || sum.Scheduled != 2 {
		t.Fatalf("summary=%+v err=%v", sum, err)
	}
}

func TestJournalHealthAndMetrics(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newDeps(t), logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/journal?limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"post.created"`) {
		t.Fatalf("journal: %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/journal?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutines") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/metrics", ""); !strings.Contains(rec.Body.String(), "postsched_test_total 1") {
		t.Fatalf("metrics: %s", rec.Body)
	}
	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof should be off: %d", rec.Code)
	}

	noJournal := New(Config{}, Deps{}, logx.Nop()).Handler(Config{})
	if rec := get(t, noJournal, "/journal", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled journal: %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret", Pprof: true}
	h := New(cfg, newDeps(t), logx.Nop()).Handler(cfg)

	if rec := get(t, h, "/summary", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := get(t, h, "/summary", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := get(t, h, "/summary", "s3creT"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("same-length wrong token: %d", rec.Code)
	}
	if rec := get(t, h, "/summary?token=s3cre", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("prefix query token: %d", rec.Code)
	}
	if rec := get(t, h, "/summary", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer: %d", rec.Code)
	}
	if rec := get(t, h, "/summary?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof: %d", rec.Code)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr, token string
		insecure    bool
		ok          bool
	}{
		{"127.0.0.1:8089", "", false, true},
		{"localhost:8089", "", false, true},
		{"[::1]:8089", "", false, true},
		{":8089", "", false, false},
		{"0.0.0.0:8089", "", false, false},
		{"0.0.0.0:8089", "tok", false, true},
		{"0.0.0.0:8089", "", true, true},
	}
	for _, tt := range tests {
		if err := CheckBind(tt.addr, tt.token, tt.insecure); (err == nil) != tt.ok {
			t.Errorf("CheckBind(%q, token=%q, insecure=%v) err=%v", tt.addr, tt.token, tt.insecure, err)
		}
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, newDeps(t), logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{})
	if s.Supervisor() != nil {
		t.Fatalf("server still running after disable")
	}
}
