package risk

import (
	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const ExposureName = "exposure"

// Exposure caps the quote-currency notional an asset may have in flight or unhedged.
type Exposure struct {
	noObserve
	defaultCap decimal.Decimal
	caps       map[string]decimal.Decimal
}

func NewExposure(cfg config.ExposureConfig) *Exposure {
	return &Exposure{defaultCap: cfg.DefaultCap, caps: cfg.Caps}
}

func (c *Exposure) Name() string { return ExposureName }

// Cap returns the configured cap for asset; zero means uncapped.
func (c *Exposure) Cap(asset string) decimal.Decimal {
	if v, ok := c.caps[asset]; ok {
		return v
	}
	return c.defaultCap
}

func (c *Exposure) Check(opp model.Opportunity, st *state.EngineState) Decision {
	limit := c.Cap(opp.BaseAsset)
	if !limit.IsPositive() {
		return allow()
	}
	current := st.Exposure(opp.BaseAsset)
	if total := current.Add(opp.Notional()); total.GreaterThan(limit) {
		return deny(ExposureName, "%s exposure %s + %s exceeds cap %s", opp.BaseAsset, current, opp.Notional(), limit)
	}
	return allow()
}
