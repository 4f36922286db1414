// Package exchangetest provides a market data source whose prices are set by the caller.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/exchange"
	"stablearb/internal/model"
)

// Feed serves whatever quotes and books were last set. Quotes without an
// explicit book get a single deep level at the touch.
type Feed struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
	books  map[string]model.OrderBook
	errs   map[string]error
	calls  map[string]int
}

var _ exchange.MarketData = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{
		quotes: make(map[string]model.Quote),
		books:  make(map[string]model.OrderBook),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Set stores a quote for base/quote.
func (f *Feed) Set(base, quote, bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[base+quote] = model.Quote{
		BaseAsset:     base,
		QuoteCurrency: quote,
		Bid:           decimal.RequireFromString(bid),
		Ask:           decimal.RequireFromString(ask),
		Timestamp:     time.Now(),
	}
}

// SetBook stores a depth snapshot for its market.
func (f *Feed) SetBook(b model.OrderBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[b.BaseAsset+b.QuoteCurrency] = b
}

// Fail makes every request for base/quote return err until cleared with nil.
func (f *Feed) Fail(base, quote string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, base+quote)
		return
	}
	f.errs[base+quote] = err
}

// Calls returns how many quote requests base/quote received.
func (f *Feed) Calls(base, quote string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[base+quote]
}

func (f *Feed) GetQuote(ctx context.Context, base, quote string) (model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[base+quote]++
	if err := f.errs[base+quote]; err != nil {
		return model.Quote{}, err
	}
	q, ok := f.quotes[base+quote]
	if !ok {
		return model.Quote{}, fmt.Errorf("%s%s: %w", base, quote, exchange.ErrNoQuote)
	}
	return q, nil
}

func (f *Feed) GetOrderBook(ctx context.Context, base, quote string, depth int) (model.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[base+quote]; err != nil {
		return model.OrderBook{}, err
	}
	if b, ok := f.books[base+quote]; ok {
		return b, nil
	}
	q, ok := f.quotes[base+quote]
	if !ok {
		return model.OrderBook{}, fmt.Errorf("%s%s: %w", base, quote, exchange.ErrNoQuote)
	}
	deep := decimal.NewFromInt(1_000_000)
	return model.OrderBook{
		BaseAsset:     base,
		QuoteCurrency: quote,
		Bids:          []model.BookLevel{{Price: q.Bid, Qty: deep}},
		Asks:          []model.BookLevel{{Price: q.Ask, Qty: deep}},
		Timestamp:     q.Timestamp,
	}, nil
}
