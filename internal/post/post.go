// Package post holds the post model and the registry that owns every post's
// lifecycle.
//
// A post moves scheduled -> pending -> published|failed and never back. All
// writes go through Registry.Update, which checks the lifecycle rules before
// committing, so callers never patch fields directly.
package post

import (
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusPublished || s == StatusFailed }

// next lists the legal successors of each status.
var next = map[Status][]Status{
	StatusScheduled: {StatusPending},
	StatusPending:   {StatusPublished, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	return slices.Contains(next[from], to)
}

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentLink  ContentType = "link"
)

// ParseContentType normalizes s; ok is false for unknown types.
func ParseContentType(s string) (ContentType, bool) {
	ct := ContentType(strings.ToLower(strings.TrimSpace(s)))
	switch ct {
	case ContentText, ContentImage, ContentVideo, ContentLink:
		return ct, true
	case "":
		return ContentText, true
	}
	return ct, false
}

// Media describes an attachment. The bytes live with the upload
// collaborator; the registry only keeps the reference.
type Media struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Stats are cumulative engagement counters.
type Stats struct {
	Impressions int64 `json:"impressions"`
	Engagements int64 `json:"engagements"`
	Likes       int64 `json:"likes"`
	Comments    int64 `json:"comments"`
	Reposts     int64 `json:"reposts"`
}

// Clamp replaces negative counters with zero.
func (s Stats) Clamp() Stats {
	return Stats{
		Impressions: max(s.Impressions, 0),
		Engagements: max(s.Engagements, 0),
		Likes:       max(s.Likes, 0),
		Comments:    max(s.Comments, 0),
		Reposts:     max(s.Reposts, 0),
	}
}

func (s Stats) Add(d Stats) Stats {
	return Stats{
		Impressions: s.Impressions + d.Impressions,
		Engagements: s.Engagements + d.Engagements,
		Likes:       s.Likes + d.Likes,
		Comments:    s.Comments + d.Comments,
		Reposts:     s.Reposts + d.Reposts,
	}
}

// AtLeast reports whether every counter of s is >= the matching one in o.
func (s Stats) AtLeast(o Stats) bool {
	return s.Impressions >= o.Impressions &&
		s.Engagements >= o.Engagements &&
		s.Likes >= o.Likes &&
		s.Comments >= o.Comments &&
		s.Reposts >= o.Reposts
}

func (s Stats) IsZero() bool { return s == Stats{} }

// Tracking describes the stats window of a published post.
type Tracking struct {
	StatsStartedAt time.Time `json:"stats_started_at,omitzero"`
	StatsUntil     time.Time `json:"stats_until,omitzero"`
	StatsFinal     bool      `json:"stats_final"`
	Polls          int       `json:"polls"`
}

// Open reports whether the window has started and not been closed.
func (t Tracking) Open() bool { return !t.StatsStartedAt.IsZero() && !t.StatsFinal }

type Post struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Media       []Media     `json:"media,omitempty"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	CreatedAt   time.Time   `json:"created_at"`

	Status      Status    `json:"status"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	Stats       Stats     `json:"stats"`
	Tracking    Tracking  `json:"tracking"`

	// TimeLeft is refreshed by the scheduling loop while the post is
	// scheduled. Display only.
	TimeLeft time.Duration `json:"-"`
}

// Clone returns a deep copy.
func (p Post) Clone() Post {
	cp := p
	cp.Media = slices.Clone(p.Media)
	return cp
}

// New builds a scheduled post. Validation of the schedule against the clock
// belongs to the caller.
func New(id, content string, ct ContentType, media []Media, scheduledAt, createdAt time.Time) Post {
	return Post{
		ID:          id,
		Content:     content,
		ContentType: ct,
		Media:       slices.Clone(media),
		ScheduledAt: scheduledAt,
		CreatedAt:   createdAt,
		Status:      StatusScheduled,
		TimeLeft:    scheduledAt.Sub(createdAt),
	}
}
