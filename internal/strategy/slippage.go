package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

const SlippageID = "slippage"

// Slippage shrinks the trade to the largest size whose realized price on both
// legs stays within a tolerance that tightens as the market gets more volatile.
type Slippage struct {
	p      Params
	maxPct decimal.Decimal
	window int
}

func NewSlippage(p Params, cfg config.SlippageConfig) (*Slippage, error) {
	if !cfg.MaxSlippagePct.IsPositive() {
		return nil, model.ConfigurationError("build slippage", fmt.Errorf("max_slippage_pct must be > 0, got %s", cfg.MaxSlippagePct))
	}
	window := cfg.VolatilityWindow
	if window < 2 {
		window = 2
	}
	return &Slippage{p: p, maxPct: cfg.MaxSlippagePct, window: window}, nil
}

func (s *Slippage) ID() string       { return SlippageID }
func (s *Slippage) NeedsDepth() bool { return true }

// Tolerance returns max_slippage / (1 + volatility/100) for the given volatility percentage.
func (s *Slippage) Tolerance(volatilityPct decimal.Decimal) decimal.Decimal {
	return s.maxPct.Div(decimal.NewFromInt(1).Add(volatilityPct.Div(decimal.NewFromInt(100))))
}

func (s *Slippage) Evaluate(in Input) (*model.Opportunity, error) {
	l, ok, err := bestLeg(SlippageID, s.p, in.Quotes)
	if err != nil || !ok {
		return nil, err
	}
	buyBook, okB := in.Books[l.buyQuote]
	sellBook, okS := in.Books[l.sellQuote]
	if !okB || !okS || len(buyBook.Asks) == 0 || len(sellBook.Bids) == 0 {
		return nil, nil
	}

	tol := s.Tolerance(volatility(in.History.Last(s.window), l.buyQuote))
	bestAsk, bestBid := buyBook.Asks[0].Price, sellBook.Bids[0].Price
	hundred := decimal.NewFromInt(100)

	size := s.p.AmountFor(bestAsk)
	size = decimal.Min(size, maxSizeWithin(buyBook.Asks, bestAsk.Mul(decimal.NewFromInt(1).Add(tol.Div(hundred))), true))
	size = decimal.Min(size, maxSizeWithin(sellBook.Bids, bestBid.Mul(decimal.NewFromInt(1).Sub(tol.Div(hundred))), false))
	size = size.Truncate(amountPlaces)
	if !size.IsPositive() {
		return nil, nil
	}

	buyVWAP, _ := walk(buyBook.Asks, size)
	sellVWAP, _ := walk(sellBook.Bids, size)
	if !s.p.Clears(model.SpreadPercentage(buyVWAP, sellVWAP)) {
		return nil, nil
	}
	if buyVWAP.Mul(size).GreaterThan(s.p.MaxTradeAmount) {
		size = s.p.AmountFor(buyVWAP)
		buyVWAP, _ = walk(buyBook.Asks, size)
		sellVWAP, _ = walk(sellBook.Bids, size)
	}
	o := model.NewOpportunity(in.BaseAsset, l.buyQuote, l.sellQuote, buyVWAP, sellVWAP, size, SlippageID, in.Now)
	return &o, nil
}

// maxSizeWithin returns the largest quantity whose VWAP stays at or inside limit.
// For asks the VWAP must not exceed limit; for bids it must not fall below it.
func maxSizeWithin(levels []model.BookLevel, limit decimal.Decimal, asks bool) decimal.Decimal {
	var qty, cost decimal.Decimal
	for _, lv := range levels {
		inside := lv.Price.LessThanOrEqual(limit)
		if !asks {
			inside = lv.Price.GreaterThanOrEqual(limit)
		}
		if inside {
			qty = qty.Add(lv.Qty)
			cost = cost.Add(lv.Qty.Mul(lv.Price))
			continue
		}
		// Partial take x solves (cost + p*x) / (qty + x) == limit.
		var x decimal.Decimal
		if asks {
			x = limit.Mul(qty).Sub(cost).Div(lv.Price.Sub(limit))
		} else {
			x = cost.Sub(limit.Mul(qty)).Div(limit.Sub(lv.Price))
		}
		if x.IsPositive() {
			qty = qty.Add(decimal.Min(x, lv.Qty))
		}
		break
	}
	return qty
}

// volatility is the sample standard deviation of mid prices over their mean, in percent.
func volatility(snaps []Snapshot, quote string) decimal.Decimal {
	mids := make([]float64, 0, len(snaps))
	for _, s := range snaps {
		if q, ok := s.Quotes[quote]; ok && q.Valid() {
			mids = append(mids, q.Mid().InexactFloat64())
		}
	}
	if len(mids) < 2 {
		return decimal.Zero
	}
	var sum float64
	for _, m := range mids {
		sum += m
	}
	mean := sum / float64(len(mids))
	if mean == 0 {
		return decimal.Zero
	}
	var sq float64
	for _, m := range mids {
		sq += (m - mean) * (m - mean)
	}
	stdev := math.Sqrt(sq / float64(len(mids)-1))
	return decimal.NewFromFloat(stdev / mean * 100)
}
