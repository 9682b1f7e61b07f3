package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SecondsPerDay bounds startOfDaySeconds/endOfDaySeconds (exclusive).
const SecondsPerDay = 24 * 60 * 60

// Weekday is the three-letter weekday name used in rule payloads.
type Weekday string

const (
	Monday    Weekday = "Mon"
	Tuesday   Weekday = "Tue"
	Wednesday Weekday = "Wed"
	Thursday  Weekday = "Thu"
	Friday    Weekday = "Fri"
	Saturday  Weekday = "Sat"
	Sunday    Weekday = "Sun"
)

var weekdayOrder = map[Weekday]int{
	Monday: 0, Tuesday: 1, Wednesday: 2, Thursday: 3, Friday: 4, Saturday: 5, Sunday: 6,
}

// IsValid returns true if the weekday is a known name.
func (d Weekday) IsValid() bool {
	_, ok := weekdayOrder[d]
	return ok
}

// WeekdayOf converts a time.Weekday into its payload name.
func WeekdayOf(d time.Weekday) Weekday {
	switch d {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}

// SortWeekdays orders days Monday first and drops duplicates.
func SortWeekdays(days []Weekday) []Weekday {
	seen := make(map[Weekday]struct{}, len(days))
	out := make([]Weekday, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return weekdayOrder[out[i]] < weekdayOrder[out[j]] })
	return out
}

// EffectiveWindow is the recurring weekly range during which a rule may fire.
// An empty Weekdays set means the rule is always effective. When
// StartOfDaySeconds > EndOfDaySeconds the window wraps past midnight and
// belongs to the day it started on.
type EffectiveWindow struct {
	Weekdays          []Weekday `json:"weekdays"`
	StartOfDaySeconds int       `json:"startOfDaySeconds"`
	EndOfDaySeconds   int       `json:"endOfDaySeconds"`
}

// Wraps reports whether the window spans two calendar days.
func (w EffectiveWindow) Wraps() bool {
	return w.StartOfDaySeconds > w.EndOfDaySeconds
}

// Always reports whether the window places no restriction at all.
func (w EffectiveWindow) Always() bool {
	return len(w.Weekdays) == 0
}

func (w EffectiveWindow) has(d Weekday) bool {
	for _, v := range w.Weekdays {
		if v == d {
			return true
		}
	}
	return false
}

// IsLive decides whether a rule with this window may fire at instant, using
// loc as the local timezone. A nil loc means UTC.
func (w EffectiveWindow) IsLive(instant time.Time, loc *time.Location) bool {
	if w.Always() {
		return true
	}
	if loc == nil {
		loc = time.UTC
	}
	local := instant.In(loc)
	s := local.Hour()*3600 + local.Minute()*60 + local.Second()
	today := WeekdayOf(local.Weekday())

	if !w.Wraps() {
		return w.has(today) && s >= w.StartOfDaySeconds && s < w.EndOfDaySeconds
	}
	if w.has(today) && s >= w.StartOfDaySeconds {
		return true
	}
	yesterday := WeekdayOf((local.Weekday() + 6) % 7)
	return w.has(yesterday) && s < w.EndOfDaySeconds
}

// ParseClock converts "HH:MM" or "HH:MM:SS" into seconds since midnight.
func ParseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("time %q must be HH:MM or HH:MM:SS", v)
	}
	limits := []int{23, 59, 59}
	total := 0
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("time %q must use two digits per component", v)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time %q is out of range", v)
		}
		switch i {
		case 0:
			total += n * 3600
		case 1:
			total += n * 60
		default:
			total += n
		}
	}
	return total, nil
}

// FormatClock is the inverse of ParseClock. Seconds are only printed when non-zero.
func FormatClock(seconds int) string {
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
