package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postsched/internal/post"
	"postsched/internal/storage"
)

// Posts is the read side of the publishing service.
type Posts interface {
	ListPosts() []post.Post
	GetPost(id string) (post.Post, error)
	Summary() post.Summary
}

// Deps are the projections the server exposes. Nil fields disable their
// endpoint.
type Deps struct {
	Posts    Posts
	Journal  storage.Store
	Registry *prometheus.Registry
	Health   func() any
	Now      func() time.Time
}

type postView struct {
	post.Post
	// TimeLeft is only set while the post is scheduled.
	TimeLeft string `json:"time_left,omitempty"`
}

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// Handler builds the mux for cfg. Exported for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	d := s.deps
	now := d.Now
	if now == nil {
		now = time.Now
	}
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if d.Health != nil {
			body["components"] = d.Health()
		}
		writeJSON(w, http.StatusOK, body)
	}))

	if d.Registry != nil {
		mux.Handle("GET /metrics", wrap(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}).ServeHTTP))
	}

	if d.Posts != nil {
		mux.HandleFunc("GET /posts", wrap(func(w http.ResponseWriter, r *http.Request) {
			at := now()
			posts := d.Posts.ListPosts()
			out := make([]postView, 0, len(posts))
			for _, p := range posts {
				out = append(out, viewOf(p, at))
			}
			writeJSON(w, http.StatusOK, out)
		}))
		mux.HandleFunc("GET /posts/{id}", wrap(func(w http.ResponseWriter, r *http.Request) {
			p, err := d.Posts.GetPost(r.PathValue("id"))
			if errors.Is(err, post.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, viewOf(p, now()))
		}))
		mux.HandleFunc("GET /summary", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Posts.Summary())
		}))
	}

	mux.HandleFunc("GET /journal", wrap(func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("journal disabled"))
			return
		}
		limit := defaultJournalLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
				return
			}
			limit = min(n, maxJournalLimit)
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		entries, err := d.Journal.Recent(ctx, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func viewOf(p post.Post, now time.Time) postView {
	v := postView{Post: p}
	if p.Status == post.StatusScheduled {
		v.TimeLeft = post.FormatRemaining(p.ScheduledAt.Sub(now))
	}
	return v
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, tok) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
