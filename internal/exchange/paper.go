package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

// ErrOrderDone is returned when cancelling an order the exchange has finished with.
var ErrOrderDone = errors.New("order already done")

// doneOrderRetention is how long a finished order stays queryable.
const doneOrderRetention = 10 * time.Minute

// PaperExchange fills limit orders against a MarketData source instead of a
// live venue. An order fills in full at the touch once the market crosses its
// limit; fillProbability < 1 makes a crossing order wait a poll at random.
type PaperExchange struct {
	logger          *slog.Logger
	md              MarketData
	fillProbability float64
	now             func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	orders map[string]*paperOrder
}

type paperOrder struct {
	side        model.Side
	base, quote string
	price       decimal.Decimal
	amount      decimal.Decimal
	status      model.OrderStatus
	doneAt      time.Time
}

var _ Trader = (*PaperExchange)(nil)

func NewPaperExchange(logger *slog.Logger, md MarketData, fillProbability float64, seed int64) *PaperExchange {
	if fillProbability <= 0 || fillProbability > 1 {
		fillProbability = 1
	}
	return &PaperExchange{
		logger:          logger,
		md:              md,
		fillProbability: fillProbability,
		now:             time.Now,
		rng:             rand.New(rand.NewPCG(uint64(seed), 0x5bd1e995)),
		orders:          make(map[string]*paperOrder),
	}
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, side model.Side, base, quote string, price, amount decimal.Decimal) (string, error) {
	if !price.IsPositive() || !amount.IsPositive() {
		return "", fmt.Errorf("%s %s %s%s price=%s amount=%s: %w", side, amount, base, quote, price, amount, ErrOrderRejected)
	}
	handle := uuid.NewString()

	p.mu.Lock()
	p.pruneDone()
	p.orders[handle] = &paperOrder{
		side: side, base: base, quote: quote, price: price, amount: amount,
		status: model.OrderStatus{Handle: handle, State: model.OrderNew},
	}
	p.mu.Unlock()

	p.logger.Debug("PaperExchange: order placed", "handle", handle, "side", side, "symbol", base+quote, "price", price, "amount", amount)
	return handle, nil
}

func (p *PaperExchange) GetOrderStatus(ctx context.Context, handle string) (model.OrderStatus, error) {
	p.mu.Lock()
	o, ok := p.orders[handle]
	if !ok {
		p.mu.Unlock()
		return model.OrderStatus{}, fmt.Errorf("%s: %w", handle, ErrUnknownOrder)
	}
	if o.status.State.Done() {
		st := o.status
		p.mu.Unlock()
		return st, nil
	}
	side, base, quote, limit, amount := o.side, o.base, o.quote, o.price, o.amount
	p.mu.Unlock()

	q, err := p.touch(ctx, base, quote)
	if err != nil {
		return model.OrderStatus{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o.status.State.Done() {
		return o.status, nil
	}
	var fillPx decimal.Decimal
	switch side {
	case model.SideBuy:
		if q.Ask.LessThanOrEqual(limit) {
			fillPx = q.Ask
		}
	case model.SideSell:
		if q.Bid.GreaterThanOrEqual(limit) {
			fillPx = q.Bid
		}
	}
	if fillPx.IsPositive() && p.rng.Float64() < p.fillProbability {
		o.status.State = model.OrderFilled
		o.status.FilledAmount = amount
		o.status.AvgPrice = fillPx
		o.doneAt = p.now()
	}
	return o.status, nil
}

// touch reads top of book, preferring the depth snapshot since sources serve
// it without side effects, and falls back to the quote.
func (p *PaperExchange) touch(ctx context.Context, base, quote string) (model.Quote, error) {
	if book, err := p.md.GetOrderBook(ctx, base, quote, 1); err == nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		return model.Quote{BaseAsset: base, QuoteCurrency: quote, Bid: book.Bids[0].Price, Ask: book.Asks[0].Price, Timestamp: book.Timestamp}, nil
	}
	return p.md.GetQuote(ctx, base, quote)
}

func (p *PaperExchange) CancelOrder(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[handle]
	if !ok {
		return fmt.Errorf("%s: %w", handle, ErrUnknownOrder)
	}
	if o.status.State.Done() {
		return fmt.Errorf("%s is %s: %w", handle, o.status.State, ErrOrderDone)
	}
	o.status.State = model.OrderCanceled
	o.doneAt = p.now()
	return nil
}

// pruneDone drops orders finished longer than doneOrderRetention ago.
// Callers hold p.mu.
func (p *PaperExchange) pruneDone() {
	cutoff := p.now().Add(-doneOrderRetention)
	for h, o := range p.orders {
		if o.status.State.Done() && o.doneAt.Before(cutoff) {
			delete(p.orders, h)
		}
	}
}
