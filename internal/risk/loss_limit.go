package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const LossLimitName = "loss_limit"

// LossLimit halts the engine once the day's realized loss reaches the cap.
type LossLimit struct {
	noObserve
	maxLoss decimal.Decimal
}

func NewLossLimit(cfg config.LossLimitConfig) (*LossLimit, error) {
	if !cfg.MaxDailyLoss.IsPositive() {
		return nil, model.ConfigurationError("build loss_limit", fmt.Errorf("max_daily_loss must be > 0, got %s", cfg.MaxDailyLoss))
	}
	return &LossLimit{maxLoss: cfg.MaxDailyLoss}, nil
}

func (c *LossLimit) Name() string { return LossLimitName }

func (c *LossLimit) Check(_ model.Opportunity, st *state.EngineState) Decision {
	pnl := st.DailyPnL()
	if pnl.LessThanOrEqual(c.maxLoss.Neg()) {
		return halt(LossLimitName, "daily pnl %s reached loss cap -%s", pnl, c.maxLoss)
	}
	return allow()
}
