package boardsync

import (
	"fmt"
	"strings"
	"time"
)

const DefaultBoardPrefix = "Out with the Old"

// Window is the span of time one board covers: a calendar year from 2000
// on, a decade before that.
type Window struct {
	Name  string
	Start time.Time
	Days  int
}

// WindowFor buckets t by its calendar date.
func WindowFor(t time.Time) Window {
	year := t.Year()
	if year >= 2000 {
		start := civilDate(year, time.January, 1)
		end := civilDate(year+1, time.January, 1)
		return Window{
			Name:  fmt.Sprintf("%d", year),
			Start: start,
			Days:  daysBetween(start, end),
		}
	}
	decade := year - year%10
	if year < 0 && year%10 != 0 {
		decade -= 10
	}
	start := civilDate(decade, time.January, 1)
	end := civilDate(decade+10, time.January, 1)
	return Window{
		Name:  fmt.Sprintf("%ds", decade),
		Start: start,
		Days:  daysBetween(start, end),
	}
}

// Position maps date into w. Later dates get smaller values, and lists sort
// ascending by position, so the newest day in a window is the leftmost list.
// In-window dates fall in (0, 1000]; dates past the window go negative.
func Position(date time.Time, w Window) float64 {
	if w.Days <= 0 {
		return 0
	}
	days := daysBetween(w.Start, civilDate(date.Year(), date.Month(), date.Day()))
	return (1 - float64(days)/float64(w.Days)) * 1000
}

func BoardName(prefix string, w Window) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultBoardPrefix
	}
	return prefix + " " + w.Name + " Edition"
}

// ListName renders "MON MAR 1"; before 2000 the year is appended because a
// decade board holds the same weekday and date many times.
func ListName(t time.Time) string {
	name := strings.ToUpper(t.Format("Mon Jan")) + fmt.Sprintf(" %d", t.Day())
	if t.Year() < 2000 {
		name += fmt.Sprintf(" %d", t.Year())
	}
	return name
}

// civilDate drops the clock and zone so day arithmetic is never skewed by
// DST or offsets.
func civilDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
