package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"postsched/internal/post"
	logx "postsched/pkg/logx"
)

func TestSummaryJobLogsAndReportsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var status string
	sum := func() post.Summary {
		return post.Summary{Total: 4, Scheduled: 1, Pending: 1, Published: 1, Failed: 1, Tracking: 1,
			Stats: post.Stats{Impressions: 42}}
	}
	job := summaryJob(sum, func(s string) { status = s }, logx.NewWriter(&buf, "info"))
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}

	if want := "1 scheduled, 1 pending, 1 published, 1 failed, 1 tracking"; status != want {
		t.Fatalf("status=%q want %q", status, want)
	}
	out := buf.String()
	for _, want := range []string{`"message":"posts summary"`, `"total":4`, `"impressions":42`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
}

func TestSummaryJobRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	job := summaryJob(func() post.Summary { return post.Summary{} }, nil, logx.NewWriter(&buf, "warn"))
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
