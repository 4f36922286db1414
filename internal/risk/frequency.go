package risk

import (
	"fmt"
	"time"

	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const FrequencyName = "frequency"

// Frequency limits attempts per asset over a sliding window, with an optional
// minimum gap between consecutive attempts. It reads the attempt start times
// the engine records when an attempt begins.
type Frequency struct {
	noObserve
	maxTrades   int
	window      time.Duration
	minInterval time.Duration
}

func NewFrequency(cfg config.FrequencyConfig) (*Frequency, error) {
	if cfg.MaxTrades > 0 && cfg.Window <= 0 {
		return nil, model.ConfigurationError("build frequency", fmt.Errorf("window must be > 0 when max_trades is set"))
	}
	if cfg.MinInterval < 0 {
		return nil, model.ConfigurationError("build frequency", fmt.Errorf("min_interval must be >= 0"))
	}
	return &Frequency{maxTrades: cfg.MaxTrades, window: cfg.Window, minInterval: cfg.MinInterval}, nil
}

func (c *Frequency) Name() string { return FrequencyName }

// AttemptWindow covers both the sliding window and the minimum gap.
func (c *Frequency) AttemptWindow() time.Duration {
	return max(c.window, c.minInterval)
}

func (c *Frequency) Check(opp model.Opportunity, st *state.EngineState) Decision {
	now := st.Now()
	if c.minInterval > 0 {
		if last, ok := st.LastAttempt(opp.BaseAsset); ok && now.Sub(last) < c.minInterval {
			return deny(FrequencyName, "%s last attempt %s ago, min interval %s", opp.BaseAsset, now.Sub(last).Round(time.Millisecond), c.minInterval)
		}
	}
	if c.maxTrades > 0 {
		// The window is half-open: an attempt exactly window ago has aged out.
		recent := st.RecentAttempts(opp.BaseAsset, now.Add(-c.window).Add(time.Nanosecond))
		if len(recent) >= c.maxTrades {
			return deny(FrequencyName, "%s made %d attempts in the last %s, limit %d", opp.BaseAsset, len(recent), c.window, c.maxTrades)
		}
	}
	return allow()
}
