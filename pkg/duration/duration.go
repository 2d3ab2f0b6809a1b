// Human-readable durations for the CLI ("3 minutes", "2 days ago")
package duration

import (
	"math"
	"strconv"
	"time"
)

type unit struct {
	length   time.Duration
	singular string
	plural   string
}

// largest first. a unit is used once the duration rounds to at least one of it
var units = []unit{
	{24 * time.Hour, "day", "days"},
	{time.Hour, "hour", "hours"},
	{time.Minute, "minute", "minutes"},
	{time.Second, "second", "seconds"},
	{time.Millisecond, "millisecond", "milliseconds"},
}

func Humanize(dur time.Duration) string {
	if dur < 0 {
		dur = -dur
	}

	smallest := units[len(units)-1]

	for _, u := range units[:len(units)-1] {
		if count := roundedCount(dur, u.length); count > 0 {
			return u.format(count)
		}
	}

	return smallest.format(int(dur / smallest.length))
}

// "" for the zero time, so optional timestamps render as empty table cells
func Ago(then time.Time, now time.Time) string {
	if then.IsZero() {
		return ""
	}

	if then.After(now) {
		return "in " + Humanize(then.Sub(now))
	}

	return Humanize(now.Sub(then)) + " ago"
}

func roundedCount(dur time.Duration, length time.Duration) int {
	return int(math.Round(float64(dur.Milliseconds()) / float64(length.Milliseconds())))
}

func (u unit) format(count int) string {
	if count == 1 {
		return strconv.Itoa(count) + " " + u.singular
	}

	return strconv.Itoa(count) + " " + u.plural
}
