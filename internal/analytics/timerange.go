package analytics

import (
	"fmt"
	"time"

	"stablearb/internal/model"
)

// TimeRange is a half-open interval [From, To). A zero bound is open.
type TimeRange struct {
	Name string    `json:"name"`
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Range names accepted by ParseRange.
const (
	RangeToday      = "today"
	RangeYesterday  = "yesterday"
	RangeLast7Days  = "last7days"
	RangeLast30Days = "last30days"
	RangeThisMonth  = "thismonth"
	RangeLastMonth  = "lastmonth"
	RangeAllTime    = "alltime"
	RangeCustom     = "custom"
)

// ParseRange resolves a named range relative to now in loc. Calendar ranges
// start at local midnight. custom takes inclusive YYYY-MM-DD dates.
func ParseRange(name string, now time.Time, loc *time.Location, from, to string) (TimeRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	r := TimeRange{Name: name}
	switch name {
	case RangeToday:
		r.From, r.To = today, tomorrow
	case RangeYesterday:
		r.From, r.To = today.AddDate(0, 0, -1), today
	case RangeLast7Days:
		r.From, r.To = today.AddDate(0, 0, -6), tomorrow
	case RangeLast30Days:
		r.From, r.To = today.AddDate(0, 0, -29), tomorrow
	case RangeThisMonth:
		r.From, r.To = month, month.AddDate(0, 1, 0)
	case RangeLastMonth:
		r.From, r.To = month.AddDate(0, -1, 0), month
	case RangeAllTime:
	case RangeCustom:
		f, err := time.ParseInLocation(time.DateOnly, from, loc)
		if err != nil {
			return TimeRange{}, model.ConfigurationError("parse range", fmt.Errorf("from: %w", err))
		}
		t, err := time.ParseInLocation(time.DateOnly, to, loc)
		if err != nil {
			return TimeRange{}, model.ConfigurationError("parse range", fmt.Errorf("to: %w", err))
		}
		if t.Before(f) {
			return TimeRange{}, model.ConfigurationError("parse range", fmt.Errorf("to %s is before from %s", to, from))
		}
		r.From, r.To = f, t.AddDate(0, 0, 1)
	default:
		return TimeRange{}, model.ConfigurationError("parse range", fmt.Errorf("unknown range %q", name))
	}
	return r, nil
}

// Dates returns the inclusive YYYY-MM-DD bounds of r in loc, empty when open.
func (r TimeRange) Dates(loc *time.Location) (from, to string) {
	if !r.From.IsZero() {
		from = r.From.In(loc).Format(time.DateOnly)
	}
	if !r.To.IsZero() {
		to = r.To.Add(-time.Nanosecond).In(loc).Format(time.DateOnly)
	}
	return from, to
}
