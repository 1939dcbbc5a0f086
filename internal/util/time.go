package util

import (
	"fmt"
	"time"
)

const humanTimeFormat = "2 Jan 2006 15:04 MST"

// FormatHumanTime renders an RFC3339 build stamp in local time. Unset stamps
// become "unknown"; unparsable ones are returned as given.
func FormatHumanTime(stamp string) string {
	switch stamp {
	case "", "unknown":
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatDuration renders elapsed recording time as a clock: "0:45", "2:34",
// "1:23:05". Negative durations render as zero.
func FormatDuration(d time.Duration) string {
	total := max(int64(d/time.Second), 0)
	h, m, s := total/3600, total/60%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
