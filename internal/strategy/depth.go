package strategy

import (
	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

const DepthID = "depth"

// Depth prices the candidate at the volume-weighted price the book can actually
// absorb, and rejects it when that price strays too far from top of book.
type Depth struct {
	p   Params
	cfg config.DepthConfig
}

func NewDepth(p Params, cfg config.DepthConfig) *Depth {
	return &Depth{p: p, cfg: cfg}
}

func (s *Depth) ID() string       { return DepthID }
func (s *Depth) NeedsDepth() bool { return true }

func (s *Depth) Evaluate(in Input) (*model.Opportunity, error) {
	l, ok, err := bestLeg(DepthID, s.p, in.Quotes)
	if err != nil || !ok {
		return nil, err
	}
	buyBook, okB := in.Books[l.buyQuote]
	sellBook, okS := in.Books[l.sellQuote]
	if !okB || !okS || len(buyBook.Asks) == 0 || len(sellBook.Bids) == 0 {
		return nil, nil
	}
	if s.cfg.MinLiquidity.IsPositive() &&
		(totalQty(buyBook.Asks).LessThan(s.cfg.MinLiquidity) || totalQty(sellBook.Bids).LessThan(s.cfg.MinLiquidity)) {
		return nil, nil
	}

	amount := s.p.AmountFor(buyBook.Asks[0].Price)
	buyVWAP, filled := walk(buyBook.Asks, amount)
	if filled.LessThan(amount) {
		return nil, nil
	}
	// Re-size at the realized price so the notional stays within the cap.
	amount = s.p.AmountFor(buyVWAP)
	if !amount.IsPositive() {
		return nil, nil
	}
	buyVWAP, _ = walk(buyBook.Asks, amount)
	sellVWAP, sold := walk(sellBook.Bids, amount)
	if sold.LessThan(amount) {
		return nil, nil
	}

	if deviation(buyVWAP, buyBook.Asks[0].Price).GreaterThan(s.cfg.MaxDeviationPct) ||
		deviation(sellVWAP, sellBook.Bids[0].Price).GreaterThan(s.cfg.MaxDeviationPct) {
		return nil, nil
	}
	if !s.p.Clears(model.SpreadPercentage(buyVWAP, sellVWAP)) {
		return nil, nil
	}
	o := model.NewOpportunity(in.BaseAsset, l.buyQuote, l.sellQuote, buyVWAP, sellVWAP, amount, DepthID, in.Now)
	return &o, nil
}

// walk consumes levels up to size and returns the VWAP and the quantity filled.
func walk(levels []model.BookLevel, size decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var filled, cost decimal.Decimal
	for _, lv := range levels {
		if filled.GreaterThanOrEqual(size) {
			break
		}
		take := decimal.Min(lv.Qty, size.Sub(filled))
		filled = filled.Add(take)
		cost = cost.Add(take.Mul(lv.Price))
	}
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return cost.Div(filled), filled
}

// deviation is |price-ref|/ref*100.
func deviation(price, ref decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(100))
}

func totalQty(levels []model.BookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lv := range levels {
		total = total.Add(lv.Qty)
	}
	return total
}
