package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

const TWAPID = "twap"

// TWAP only trades when the spread has held, on a time-weighted basis, over the
// horizon the sliced buy leg would take to execute.
type TWAP struct {
	p        Params
	slices   int
	interval time.Duration
}

func NewTWAP(p Params, cfg config.TWAPConfig) (*TWAP, error) {
	if cfg.Slices < 1 || cfg.Interval <= 0 {
		return nil, model.ConfigurationError("build twap", fmt.Errorf("slices=%d interval=%s", cfg.Slices, cfg.Interval))
	}
	return &TWAP{p: p, slices: cfg.Slices, interval: cfg.Interval}, nil
}

func (s *TWAP) ID() string { return TWAPID }

func (s *TWAP) Evaluate(in Input) (*model.Opportunity, error) {
	l, ok, err := bestLeg(TWAPID, s.p, in.Quotes)
	if err != nil || !ok {
		return nil, err
	}

	horizon := time.Duration(s.slices) * s.interval
	snaps := in.History.Since(in.Now.Add(-horizon))
	avgBuy, avgSell, ok := timeWeighted(snaps, l.buyQuote, l.sellQuote, in.Now)
	if !ok {
		return nil, nil
	}
	if !s.p.Clears(model.SpreadPercentage(avgBuy, avgSell)) || !s.p.Clears(l.spread()) {
		return nil, nil
	}

	amount := s.p.AmountFor(l.buyPrice)
	if !amount.IsPositive() {
		return nil, nil
	}
	o := model.NewOpportunity(in.BaseAsset, l.buyQuote, l.sellQuote, l.buyPrice, l.sellPrice, amount, TWAPID, in.Now)
	o.Slices = s.slices
	o.SliceInterval = s.interval
	return &o, nil
}

// timeWeighted averages the buy-side asks and sell-side bids, weighting each
// snapshot by how long it stayed current. It needs at least two snapshots.
func timeWeighted(snaps []Snapshot, buyQuote, sellQuote string, now time.Time) (decimal.Decimal, decimal.Decimal, bool) {
	var buySum, sellSum, total decimal.Decimal
	count := 0
	for i, snap := range snaps {
		b, okB := snap.Quotes[buyQuote]
		sq, okS := snap.Quotes[sellQuote]
		if !okB || !okS || !b.Valid() || !sq.Valid() {
			continue
		}
		end := now
		if i+1 < len(snaps) {
			end = snaps[i+1].At
		}
		w := decimal.NewFromInt(end.Sub(snap.At).Milliseconds())
		if !w.IsPositive() {
			w = decimal.NewFromInt(1)
		}
		buySum = buySum.Add(b.Ask.Mul(w))
		sellSum = sellSum.Add(sq.Bid.Mul(w))
		total = total.Add(w)
		count++
	}
	if count < 2 || total.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return buySum.Div(total), sellSum.Div(total), true
}
