package app

import (
	"context"
	"fmt"
	"time"

	"postsched/internal/post"
	"postsched/internal/storage"
	logx "postsched/pkg/logx"
)

const (
	jobSummary = "posts.summary"
	jobPrune   = "journal.prune"
)

// summaryJob logs the dashboard counters and pushes a one-line version of
// them to status (the systemd status line in production).
func summaryJob(sum func() post.Summary, status func(string), log logx.Logger) func(context.Context) error {
	return func(context.Context) error {
		s := sum()
		if status != nil {
			status(statusLine(s))
		}
		log.Info("posts summary",
			logx.Int("total", s.Total),
			logx.Int("scheduled", s.Scheduled),
			logx.Int("pending", s.Pending),
			logx.Int("published", s.Published),
			logx.Int("failed", s.Failed),
			logx.Int("tracking", s.Tracking),
			logx.Int64("impressions", s.Stats.Impressions),
			logx.Int64("likes", s.Stats.Likes),
			logx.Int64("comments", s.Stats.Comments),
			logx.Int64("reposts", s.Stats.Reposts),
		)
		return nil
	}
}

func statusLine(s post.Summary) string {
	return fmt.Sprintf("%d scheduled, %d pending, %d published, %d failed, %d tracking",
		s.Scheduled, s.Pending, s.Published, s.Failed, s.Tracking)
}

// pruneJob drops journal entries older than retention.
func pruneJob(st storage.Store, retention time.Duration, now func() time.Time, log logx.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := st.Prune(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("journal pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}
