package publishing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"postsched/internal/post"
)

// Metrics holds the Prometheus collectors for the publishing engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PublishTotal    *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	Posts           *prometheus.GaugeVec
	StatsPolls      *prometheus.CounterVec
	TrackersActive  prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry so tests can
// create as many as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsched_publish_total",
			Help: "Publish attempts by outcome",
		}, []string{"result"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postsched_publish_duration_seconds",
			Help:    "Time from dispatch to terminal state",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Posts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postsched_posts",
			Help: "Posts by lifecycle status",
		}, []string{"status"}),
		StatsPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postsched_stats_polls_total",
			Help: "Analytics polls by outcome",
		}, []string{"result"}),
		TrackersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postsched_trackers_active",
			Help: "Stats trackers with an open window",
		}),
	}
	m.Registry.MustRegister(
		m.PublishTotal,
		m.PublishDuration,
		m.Posts,
		m.StatsPolls,
		m.TrackersActive,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) observePublish(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(result).Inc()
	m.PublishDuration.Observe(d.Seconds())
}

func (m *Metrics) observePoll(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.StatsPolls.WithLabelValues("ok").Inc()
		return
	}
	m.StatsPolls.WithLabelValues("error").Inc()
}

func (m *Metrics) trackerDelta(n float64) {
	if m == nil {
		return
	}
	m.TrackersActive.Add(n)
}

func (m *Metrics) setPosts(s post.Summary) {
	if m == nil {
		return
	}
	m.Posts.WithLabelValues(string(post.StatusScheduled)).Set(float64(s.Scheduled))
	m.Posts.WithLabelValues(string(post.StatusPending)).Set(float64(s.Pending))
	m.Posts.WithLabelValues(string(post.StatusPublished)).Set(float64(s.Published))
	m.Posts.WithLabelValues(string(post.StatusFailed)).Set(float64(s.Failed))
}
