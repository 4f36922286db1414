package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

// amountPlaces is the base-asset precision trade amounts are truncated to.
const amountPlaces = 8

// Strategy turns market state into at most one opportunity.
// A nil opportunity with a nil error means nothing qualified this cycle.
type Strategy interface {
	ID() string
	Evaluate(in Input) (*model.Opportunity, error)
}

// DepthAware is implemented by strategies that need order books.
type DepthAware interface {
	NeedsDepth() bool
}

// Input is the market state a strategy sees for one asset and one cycle.
type Input struct {
	BaseAsset string
	Quotes    map[string]model.Quote
	Books     map[string]model.OrderBook
	History   *Window
	Now       time.Time
}

// Params are the thresholds every strategy shares.
type Params struct {
	QuoteA              string
	QuoteB              string
	MinProfitPercentage decimal.Decimal
	PriceDiffThreshold  decimal.Decimal
	MaxTradeAmount      decimal.Decimal
}

// ParamsFrom reads the shared thresholds from the arbitrage section.
func ParamsFrom(cfg config.ArbitrageConfig) Params {
	return Params{
		QuoteA:              cfg.QuoteCurrencies[0],
		QuoteB:              cfg.QuoteCurrencies[1],
		MinProfitPercentage: cfg.MinProfitPercentage,
		PriceDiffThreshold:  cfg.PriceDiffThreshold,
		MaxTradeAmount:      cfg.MaxTradeAmount,
	}
}

// Clears reports whether a spread percentage meets both thresholds.
func (p Params) Clears(spreadPct decimal.Decimal) bool {
	return spreadPct.GreaterThanOrEqual(p.MinProfitPercentage) && spreadPct.GreaterThanOrEqual(p.PriceDiffThreshold)
}

// AmountFor converts the quote-currency notional cap into a base amount at price.
func (p Params) AmountFor(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return p.MaxTradeAmount.Div(price).Truncate(amountPlaces)
}

// leg is one direction of the cross-quote trade: buy at buyQuote's ask, sell at sellQuote's bid.
type leg struct {
	buyQuote  string
	sellQuote string
	buyPrice  decimal.Decimal
	sellPrice decimal.Decimal
}

func (l leg) spread() decimal.Decimal {
	return model.SpreadPercentage(l.buyPrice, l.sellPrice)
}

// bestLeg picks the direction with the larger spread from the current quotes.
// Missing quotes yield ok=false; a non-positive price is malformed input.
func bestLeg(id string, p Params, quotes map[string]model.Quote) (leg, bool, error) {
	a, okA := quotes[p.QuoteA]
	b, okB := quotes[p.QuoteB]
	if !okA || !okB {
		return leg{}, false, nil
	}
	for _, q := range []model.Quote{a, b} {
		if !q.Valid() {
			return leg{}, false, model.ConfigurationError("strategy "+id,
				fmt.Errorf("non-positive price for %s: bid=%s ask=%s", q.Symbol(), q.Bid, q.Ask))
		}
	}

	ab := leg{buyQuote: p.QuoteA, sellQuote: p.QuoteB, buyPrice: a.Ask, sellPrice: b.Bid}
	ba := leg{buyQuote: p.QuoteB, sellQuote: p.QuoteA, buyPrice: b.Ask, sellPrice: a.Bid}
	if ba.spread().GreaterThan(ab.spread()) {
		return ba, true, nil
	}
	return ab, true, nil
}

// SelectBest returns the candidate with the greatest expected profit percentage
// among those clearing minProfit. Ties go to the smaller trade amount.
func SelectBest(cands []model.Opportunity, minProfit decimal.Decimal) *model.Opportunity {
	var best *model.Opportunity
	for i := range cands {
		c := &cands[i]
		if c.ExpectedProfitPercentage.LessThan(minProfit) || !c.TradeAmount.IsPositive() {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		switch c.ExpectedProfitPercentage.Cmp(best.ExpectedProfitPercentage) {
		case 1:
			best = c
		case 0:
			if c.TradeAmount.LessThan(best.TradeAmount) {
				best = c
			}
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// Build instantiates the enabled strategies in configured order.
func Build(cfg config.StrategiesConfig, arb config.ArbitrageConfig) ([]Strategy, error) {
	p := ParamsFrom(arb)
	out := make([]Strategy, 0, len(cfg.Enabled))
	seen := make(map[string]bool, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		if seen[name] {
			return nil, model.ConfigurationError("build strategies", fmt.Errorf("strategy %q listed twice", name))
		}
		seen[name] = true

		switch name {
		case SimpleID:
			out = append(out, NewSimple(p))
		case TWAPID:
			s, err := NewTWAP(p, cfg.TWAP)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		case DepthID:
			out = append(out, NewDepth(p, cfg.Depth))
		case SlippageID:
			s, err := NewSlippage(p, cfg.Slippage)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		case TrendID:
			s, err := NewTrend(p, cfg.Trend)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		default:
			return nil, model.ConfigurationError("build strategies", fmt.Errorf("unknown strategy %q", name))
		}
	}
	return out, nil
}

// NeedsDepth reports whether any strategy in the set reads order books.
func NeedsDepth(strategies []Strategy) bool {
	for _, s := range strategies {
		if d, ok := s.(DepthAware); ok && d.NeedsDepth() {
			return true
		}
	}
	return false
}
