package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const AbnormalPriceName = "abnormal_price"

// AbnormalPrice compares each market's price with its trailing mean. A breach
// denies the asset for a cooldown; repeated breaches halt the engine.
type AbnormalPrice struct {
	noObserve
	cfg config.AbnormalPriceConfig

	mu            sync.Mutex
	prices        map[string][]decimal.Decimal // symbol -> trailing mids
	refs          map[string]decimal.Decimal   // symbol -> mean before the latest mid
	cooldownUntil map[string]time.Time         // base -> end of cooldown
	breaches      map[string][]time.Time       // base -> breach times
	lastBreach    map[string]string
}

func NewAbnormalPrice(cfg config.AbnormalPriceConfig) (*AbnormalPrice, error) {
	if !cfg.ThresholdPct.IsPositive() {
		return nil, model.ConfigurationError("build abnormal_price", fmt.Errorf("threshold_pct must be > 0, got %s", cfg.ThresholdPct))
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	return &AbnormalPrice{
		cfg:           cfg,
		prices:        make(map[string][]decimal.Decimal),
		refs:          make(map[string]decimal.Decimal),
		cooldownUntil: make(map[string]time.Time),
		breaches:      make(map[string][]time.Time),
		lastBreach:    make(map[string]string),
	}, nil
}

func (c *AbnormalPrice) Name() string { return AbnormalPriceName }

// ObserveQuotes folds a cycle's quotes into the trailing references.
func (c *AbnormalPrice) ObserveQuotes(quotes []model.Quote, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range quotes {
		if !q.Valid() {
			continue
		}
		sym := q.Symbol()
		mid := q.Mid()
		if ref, ok := mean(c.prices[sym]); ok {
			c.refs[sym] = ref
			dev := pctDeviation(mid, ref)
			if dev.GreaterThan(c.cfg.ThresholdPct) {
				c.breach(q.BaseAsset, now, fmt.Sprintf("%s mid %s deviates %s%% from trailing mean %s", sym, mid, dev.StringFixed(2), ref.StringFixed(2)))
			}
		}
		window := append(c.prices[sym], mid)
		if len(window) > c.cfg.WindowSize {
			window = window[len(window)-c.cfg.WindowSize:]
		}
		c.prices[sym] = window
	}
}

func (c *AbnormalPrice) breach(base string, now time.Time, reason string) {
	c.cooldownUntil[base] = now.Add(c.cfg.Cooldown)
	c.lastBreach[base] = reason

	kept := c.breaches[base][:0]
	for _, t := range c.breaches[base] {
		if c.cfg.EscalationWindow <= 0 || now.Sub(t) < c.cfg.EscalationWindow {
			kept = append(kept, t)
		}
	}
	c.breaches[base] = append(kept, now)
}

func (c *AbnormalPrice) Check(opp model.Opportunity, st *state.EngineState) Decision {
	now := st.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.EscalateAfter > 0 {
		recent := 0
		for _, t := range c.breaches[opp.BaseAsset] {
			if c.cfg.EscalationWindow <= 0 || now.Sub(t) < c.cfg.EscalationWindow {
				recent++
			}
		}
		if recent >= c.cfg.EscalateAfter {
			return halt(AbnormalPriceName, "%d abnormal price breaches for %s within %s", recent, opp.BaseAsset, c.cfg.EscalationWindow)
		}
	}

	if until, ok := c.cooldownUntil[opp.BaseAsset]; ok && now.Before(until) {
		return deny(AbnormalPriceName, "cooling down until %s after: %s", until.Format(time.RFC3339), c.lastBreach[opp.BaseAsset])
	}

	for _, leg := range []struct {
		quote string
		price decimal.Decimal
	}{{opp.BuyQuote, opp.BuyPrice}, {opp.SellQuote, opp.SellPrice}} {
		ref, ok := c.refs[opp.BaseAsset+leg.quote]
		if !ok {
			continue
		}
		if dev := pctDeviation(leg.price, ref); dev.GreaterThan(c.cfg.ThresholdPct) {
			return deny(AbnormalPriceName, "%s%s price %s deviates %s%% from trailing mean %s",
				opp.BaseAsset, leg.quote, leg.price, dev.StringFixed(2), ref.StringFixed(2))
		}
	}
	return allow()
}

func mean(xs []decimal.Decimal) (decimal.Decimal, bool) {
	if len(xs) == 0 {
		return decimal.Zero, false
	}
	return decimal.Avg(xs[0], xs[1:]...), true
}

func pctDeviation(price, ref decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(100))
}
