package risk

import (
	"fmt"
	"time"

	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const TimeWindowName = "time_window"

// TimeWindow only allows trading between start and end, inclusive, in the engine
// timezone. A window whose end is before its start runs overnight.
type TimeWindow struct {
	noObserve
	start, end   int // minutes since midnight
	blockWeekend bool
	loc          *time.Location
}

func NewTimeWindow(cfg config.TimeWindowConfig, loc *time.Location) (*TimeWindow, error) {
	start, err := parseClock(cfg.Start)
	if err != nil {
		return nil, model.ConfigurationError("build time_window", fmt.Errorf("start: %w", err))
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return nil, model.ConfigurationError("build time_window", fmt.Errorf("end: %w", err))
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TimeWindow{start: start, end: end, blockWeekend: cfg.BlockWeekend, loc: loc}, nil
}

func (c *TimeWindow) Name() string { return TimeWindowName }

// Open reports whether t falls inside the trading window.
func (c *TimeWindow) Open(t time.Time) bool {
	local := t.In(c.loc)
	if c.blockWeekend && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if c.start <= c.end {
		return m >= c.start && m <= c.end
	}
	return m >= c.start || m <= c.end
}

func (c *TimeWindow) Check(_ model.Opportunity, st *state.EngineState) Decision {
	now := st.Now()
	if !c.Open(now) {
		return deny(TimeWindowName, "%s is outside trading hours %s-%s %s",
			now.In(c.loc).Format("Mon 15:04"), formatClock(c.start), formatClock(c.end), c.loc)
	}
	return allow()
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
