package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseAttempt splits an attempt string like "2/3" into its current and maximum attempt.
func ParseAttempt(attempt string) (current, max int, ok bool) {
	cur, mx, found := strings.Cut(strings.TrimSpace(attempt), "/")
	if !found {
		return 0, 0, false
	}

	c, err := strconv.Atoi(strings.TrimSpace(cur))
	if err != nil {
		return 0, 0, false
	}

	m, err := strconv.Atoi(strings.TrimSpace(mx))
	if err != nil {
		return 0, 0, false
	}

	return c, m, true
}

// IsSoftAttempt reports whether attempt "m/n" has m != n.
// Unparsable attempts are considered hard.
func IsSoftAttempt(attempt string) bool {
	current, max, ok := ParseAttempt(attempt)

	return ok && current != max
}

// FormatAttempt returns "current/max".
func FormatAttempt(current, max int) string {
	return fmt.Sprintf("%d/%d", current, max)
}

// HumanDuration formats d like "1w 2d 3h 4m 5s", omitting zero units.
func HumanDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "0s"
	}

	units := []struct {
		suffix  string
		divisor int64
	}{
		{"w", 7 * 86400},
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}

	parts := make([]string, 0, len(units))
	for _, u := range units {
		if secs < u.divisor {
			continue
		}

		parts = append(parts, strconv.FormatInt(secs/u.divisor, 10)+u.suffix)
		secs %= u.divisor
	}

	return strings.Join(parts, " ")
}

// Since formats the duration between the Unix timestamp ts and now.
// A zero ts yields "n/a".
func Since(ts int64, now time.Time) string {
	if ts <= 0 {
		return "n/a"
	}

	return HumanDuration(now.Sub(time.Unix(ts, 0)))
}

// FormatTime formats a Unix timestamp for display. A zero ts yields "n/a".
func FormatTime(ts int64) string {
	if ts <= 0 {
		return "n/a"
	}

	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}
