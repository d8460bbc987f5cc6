package post

// Summary backs the dashboard cards.
type Summary struct {
	Total     int   `json:"total"`
	Scheduled int   `json:"scheduled"`
	Pending   int   `json:"pending"`
	Published int   `json:"published"`
	Failed    int   `json:"failed"`
	Tracking  int   `json:"tracking"` // published posts with an open stats window
	Stats     Stats `json:"stats"`    // summed over every post
}

func Summarize(posts []Post) Summary {
	var s Summary
	for _, p := range posts {
		s.Total++
		switch p.Status {
		case StatusScheduled:
			s.Scheduled++
		case StatusPending:
			s.Pending++
		case StatusPublished:
			s.Published++
			if p.Tracking.Open() {
				s.Tracking++
			}
		case StatusFailed:
			s.Failed++
		}
		s.Stats = s.Stats.Add(p.Stats)
	}
	return s
}

func (r *Registry) Summary() Summary { return Summarize(r.List()) }
