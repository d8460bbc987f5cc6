package post

import (
	"strconv"
	"strings"
	"time"
)

var remainingUnits = []struct {
	suffix string
	secs   int64
}{
	{"d", 24 * 60 * 60},
	{"h", 60 * 60},
	{"m", 60},
	{"s", 1},
}

// FormatRemaining renders d as its non-zero units from days down to seconds,
// e.g. "1d 2h 5s". Partial seconds round up so a post due in 400ms still
// shows "1s"; d <= 0 renders "0s".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	parts := make([]string, 0, len(remainingUnits))
	for _, u := range remainingUnits {
		n := secs / u.secs
		if n == 0 {
			continue
		}
		secs -= n * u.secs
		parts = append(parts, strconv.FormatInt(n, 10)+u.suffix)
	}
	return strings.Join(parts, " ")
}
