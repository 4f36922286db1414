package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

var (
	ErrNoQuote       = errors.New("no quote available")
	ErrStaleQuote    = errors.New("quote is stale")
	ErrUnknownOrder  = errors.New("unknown order")
	ErrOrderRejected = errors.New("order rejected")
)

// MarketData supplies current prices for (base, quote) markets.
type MarketData interface {
	GetQuote(ctx context.Context, base, quote string) (model.Quote, error)
	GetOrderBook(ctx context.Context, base, quote string, depth int) (model.OrderBook, error)
}

// Trader places, polls and cancels orders.
type Trader interface {
	PlaceOrder(ctx context.Context, side model.Side, base, quote string, price, amount decimal.Decimal) (string, error)
	GetOrderStatus(ctx context.Context, handle string) (model.OrderStatus, error)
	CancelOrder(ctx context.Context, handle string) error
}

// Streamer is implemented by market data sources that need a background loop.
type Streamer interface {
	StartStream(ctx context.Context) error
}

// Source is a market data source plus its name, as returned by NewSource.
type Source interface {
	MarketData
	GetName() string
}
