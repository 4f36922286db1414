package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

const (
	simHalfSpread = 0.0001
	simBookLevels = 10
	simLevelStep  = 0.0001
)

// SimulatedFeed produces random-walk prices for every base asset across two
// quotes, occasionally pushing one quote rich enough to open an arbitrage.
// Prices move once per cycle: asking again for a quote already served since
// the last move advances the walk.
type SimulatedFeed struct {
	cfg    config.SimulationConfig
	quotes []string
	now    func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	assets map[string]*simAsset
}

type simAsset struct {
	mid    float64
	rich   string  // quote currently priced above the others, if any
	premia float64 // fractional premium applied to rich
	served map[string]bool
}

// NewSimulatedFeed seeds a walk for each base asset at its configured start price.
func NewSimulatedFeed(cfg config.SimulationConfig, bases, quotes []string) *SimulatedFeed {
	f := &SimulatedFeed{
		cfg:    cfg,
		quotes: quotes,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15)),
		assets: make(map[string]*simAsset, len(bases)),
	}
	for _, b := range bases {
		start := cfg.StartPrices[b]
		if start <= 0 {
			start = 100
		}
		f.assets[b] = &simAsset{mid: start, served: make(map[string]bool)}
	}
	return f
}

func (f *SimulatedFeed) GetName() string {
	return "simulated"
}

func (f *SimulatedFeed) step(a *simAsset) {
	a.mid *= 1 + f.rng.NormFloat64()*f.cfg.Volatility
	a.rich = ""
	a.premia = 0
	if len(f.quotes) > 1 && f.rng.Float64() < f.cfg.OpportunityProbability {
		a.rich = f.quotes[f.rng.IntN(len(f.quotes))]
		a.premia = f.cfg.OpportunitySpreadPct / 100 * (0.5 + f.rng.Float64())
	}
	clear(a.served)
}

func (f *SimulatedFeed) mid(base, quote string) (float64, error) {
	a, ok := f.assets[base]
	if !ok {
		return 0, fmt.Errorf("%s%s: %w", base, quote, ErrNoQuote)
	}
	if a.served[quote] {
		f.step(a)
	}
	a.served[quote] = true

	mid := a.mid
	if quote == a.rich {
		mid *= 1 + a.premia
	}
	return mid, nil
}

func (f *SimulatedFeed) GetQuote(ctx context.Context, base, quote string) (model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	mid, err := f.mid(base, quote)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		BaseAsset:     base,
		QuoteCurrency: quote,
		Bid:           price(mid * (1 - simHalfSpread)),
		Ask:           price(mid * (1 + simHalfSpread)),
		Timestamp:     f.now(),
	}, nil
}

// GetOrderBook builds a book around the current mid without advancing the walk.
func (f *SimulatedFeed) GetOrderBook(ctx context.Context, base, quote string, depth int) (model.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.assets[base]
	if !ok {
		return model.OrderBook{}, fmt.Errorf("%s%s: %w", base, quote, ErrNoQuote)
	}
	mid := a.mid
	if quote == a.rich {
		mid *= 1 + a.premia
	}
	if depth <= 0 || depth > simBookLevels {
		depth = simBookLevels
	}

	book := model.OrderBook{BaseAsset: base, QuoteCurrency: quote, Timestamp: f.now()}
	for i := 0; i < depth; i++ {
		off := simHalfSpread + float64(i)*simLevelStep
		// Levels get deeper further from the touch; sized so the top level covers a typical trade.
		qty := decimal.NewFromFloat(1000 / mid * float64(i+1)).Truncate(8)
		book.Bids = append(book.Bids, model.BookLevel{Price: price(mid * (1 - off)), Qty: qty})
		book.Asks = append(book.Asks, model.BookLevel{Price: price(mid * (1 + off)), Qty: qty})
	}
	return book, nil
}

func price(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
