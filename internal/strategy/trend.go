package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

const TrendID = "trend"

// Trend projects the spread forward by the expected execution latency and
// drops the opportunity if it would have closed by the time the legs land.
type Trend struct {
	p        Params
	window   int
	latency  time.Duration
	spikePct decimal.Decimal
}

func NewTrend(p Params, cfg config.TrendConfig) (*Trend, error) {
	if cfg.ShortWindow < 3 {
		return nil, model.ConfigurationError("build trend", fmt.Errorf("short_window must be >= 3, got %d", cfg.ShortWindow))
	}
	return &Trend{p: p, window: cfg.ShortWindow, latency: cfg.ExpectedLatency, spikePct: cfg.SpikeThresholdPct}, nil
}

func (s *Trend) ID() string { return TrendID }

func (s *Trend) Evaluate(in Input) (*model.Opportunity, error) {
	l, ok, err := bestLeg(TrendID, s.p, in.Quotes)
	if err != nil || !ok {
		return nil, err
	}
	current := l.spread()
	if !s.p.Clears(current) {
		return nil, nil
	}

	snaps := in.History.Last(s.window)
	if s.spikePct.IsPositive() && spiked(snaps, l.buyQuote, s.spikePct) {
		return nil, nil
	}

	slope, ok := spreadSlope(snaps, l.buyQuote, l.sellQuote)
	if !ok {
		return nil, nil
	}
	projected := current.Add(slope.Mul(decimal.NewFromFloat(s.latency.Seconds())))
	if projected.LessThan(s.p.MinProfitPercentage) {
		return nil, nil
	}

	amount := s.p.AmountFor(l.buyPrice)
	if !amount.IsPositive() {
		return nil, nil
	}
	o := model.NewOpportunity(in.BaseAsset, l.buyQuote, l.sellQuote, l.buyPrice, l.sellPrice, amount, TrendID, in.Now)
	return &o, nil
}

// spreadSlope fits spread% against seconds with least squares.
// It returns the slope in percentage points per second.
func spreadSlope(snaps []Snapshot, buyQuote, sellQuote string) (decimal.Decimal, bool) {
	var xs, ys []float64
	var origin time.Time
	for _, snap := range snaps {
		b, okB := snap.Quotes[buyQuote]
		sq, okS := snap.Quotes[sellQuote]
		if !okB || !okS || !b.Valid() || !sq.Valid() {
			continue
		}
		if origin.IsZero() {
			origin = snap.At
		}
		xs = append(xs, snap.At.Sub(origin).Seconds())
		ys = append(ys, model.SpreadPercentage(b.Ask, sq.Bid).InexactFloat64())
	}
	if len(xs) < 3 {
		return decimal.Zero, false
	}

	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return decimal.Zero, true
	}
	return decimal.NewFromFloat((n*sxy - sx*sy) / den), true
}

// spiked reports a mid-price move above pct between consecutive snapshots.
func spiked(snaps []Snapshot, quote string, pct decimal.Decimal) bool {
	var prev decimal.Decimal
	for _, snap := range snaps {
		q, ok := snap.Quotes[quote]
		if !ok || !q.Valid() {
			continue
		}
		mid := q.Mid()
		if prev.IsPositive() && deviation(mid, prev).GreaterThan(pct) {
			return true
		}
		prev = mid
	}
	return false
}
