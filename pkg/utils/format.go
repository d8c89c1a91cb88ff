package utils

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatSize renders a byte count using binary units.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration renders an elapsed duration rounded to the second.
func FormatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// FormatTime renders a timestamp relative to now, e.g. "3 minutes ago".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
