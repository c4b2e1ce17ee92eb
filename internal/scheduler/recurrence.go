package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cadence values accepted in the automation config.
const (
	CadenceDaily      = "daily"
	CadenceTwiceDaily = "twice-daily"
	CadenceWeekly     = "weekly"
	CadenceMonthly    = "monthly"
)

// DefaultTimeOfDay is used when the configured time is not HH:MM.
const DefaultTimeOfDay = "09:00"

// Second firing of a twice-daily rule.
const (
	afternoonHour   = 16
	afternoonMinute = 0
)

// Kind is the shape of a recurrence rule.
type Kind int

const (
	KindDaily Kind = iota
	KindTwiceDaily
	KindWeekly
	KindMonthly
	KindHourly
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return CadenceDaily
	case KindTwiceDaily:
		return CadenceTwiceDaily
	case KindWeekly:
		return CadenceWeekly
	case KindMonthly:
		return CadenceMonthly
	case KindHourly:
		return "hourly"
	}
	return "unknown"
}

// Rule is a recurrence evaluated in a fixed location. Weekday applies to
// weekly rules and Day to monthly rules. Hourly rules use Minute only.
type Rule struct {
	Kind    Kind
	Hour    int
	Minute  int
	Weekday time.Weekday
	Day     int
}

// Hourly fires at the top of every hour.
var Hourly = Rule{Kind: KindHourly}

// DeriveRule builds the generation rule for a cadence and HH:MM time.
// Unknown cadences fall back to twice-daily; invalid times to 09:00.
func DeriveRule(cadence, timeOfDay string) Rule {
	h, m, ok := ParseTimeOfDay(timeOfDay)
	if !ok {
		h, m, _ = ParseTimeOfDay(DefaultTimeOfDay)
	}
	r := Rule{Hour: h, Minute: m}
	switch NormalizeCadence(cadence) {
	case CadenceDaily:
		r.Kind = KindDaily
	case CadenceWeekly:
		r.Kind = KindWeekly
		r.Weekday = time.Monday
	case CadenceMonthly:
		r.Kind = KindMonthly
		r.Day = 1
	default:
		r.Kind = KindTwiceDaily
	}
	return r
}

// NormalizeCadence maps a configured cadence to a known value.
func NormalizeCadence(cadence string) string {
	switch c := strings.ToLower(strings.TrimSpace(cadence)); c {
	case CadenceDaily, CadenceTwiceDaily, CadenceWeekly, CadenceMonthly:
		return c
	}
	return CadenceTwiceDaily
}

// ParseTimeOfDay parses a 24h HH:MM string.
func ParseTimeOfDay(s string) (hour, minute int, ok bool) {
	hs, ms, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// Next returns the first firing strictly after the given instant, computed
// on the wall clock of loc.
func (r Rule) Next(after time.Time, loc *time.Location) time.Time {
	t := after.In(loc)
	y, mo, d := t.Date()

	switch r.Kind {
	case KindHourly:
		c := time.Date(y, mo, d, t.Hour(), r.Minute, 0, 0, loc)
		if !c.After(t) {
			c = c.Add(time.Hour)
		}
		return c

	case KindTwiceDaily:
		first := nextDaily(t, r.Hour, r.Minute)
		second := nextDaily(t, afternoonHour, afternoonMinute)
		if second.Before(first) {
			return second
		}
		return first

	case KindWeekly:
		days := (int(r.Weekday) - int(t.Weekday()) + 7) % 7
		c := time.Date(y, mo, d+days, r.Hour, r.Minute, 0, 0, loc)
		if !c.After(t) {
			c = time.Date(y, mo, d+days+7, r.Hour, r.Minute, 0, 0, loc)
		}
		return c

	case KindMonthly:
		day := r.Day
		if day < 1 || day > 28 {
			day = 1
		}
		c := time.Date(y, mo, day, r.Hour, r.Minute, 0, 0, loc)
		if !c.After(t) {
			c = time.Date(y, mo+1, day, r.Hour, r.Minute, 0, 0, loc)
		}
		return c

	default:
		return nextDaily(t, r.Hour, r.Minute)
	}
}

func nextDaily(t time.Time, hour, minute int) time.Time {
	y, mo, d := t.Date()
	c := time.Date(y, mo, d, hour, minute, 0, 0, t.Location())
	if !c.After(t) {
		c = time.Date(y, mo, d+1, hour, minute, 0, 0, t.Location())
	}
	return c
}

// String renders the rule in cron notation for logs.
func (r Rule) String() string {
	switch r.Kind {
	case KindHourly:
		return fmt.Sprintf("%d * * * *", r.Minute)
	case KindTwiceDaily:
		if r.Hour == afternoonHour && r.Minute == afternoonMinute {
			return fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
		}
		if r.Minute == afternoonMinute {
			return fmt.Sprintf("%d %d,%d * * *", r.Minute, r.Hour, afternoonHour)
		}
		return fmt.Sprintf("%d %d * * *; %d %d * * *", r.Minute, r.Hour, afternoonMinute, afternoonHour)
	case KindWeekly:
		return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, int(r.Weekday))
	case KindMonthly:
		return fmt.Sprintf("%d %d %d * *", r.Minute, r.Hour, r.Day)
	default:
		return fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
	}
}
