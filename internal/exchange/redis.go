package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

// RedisFeed reads quotes that another process publishes into Redis.
// Quotes live in HASH <prefix><SYMBOL> with fields bid, ask and ts_ms;
// depth snapshots live in STRING <prefix><SYMBOL>:book as {"bids":[[p,q]],"asks":[[p,q]]}.
type RedisFeed struct {
	rdb        *redis.Client
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisFeed connects to addr; the connection is lazy, as with any go-redis client.
func NewRedisFeed(addr, prefix string, staleAfter time.Duration) *RedisFeed {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisFeedWithClient(rdb, prefix, staleAfter)
}

func NewRedisFeedWithClient(rdb *redis.Client, prefix string, staleAfter time.Duration) *RedisFeed {
	if prefix == "" {
		prefix = "quote:"
	}
	return &RedisFeed{rdb: rdb, prefix: prefix, staleAfter: staleAfter, now: time.Now}
}

func (f *RedisFeed) GetName() string {
	return "redis"
}

// Ping checks connectivity.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error {
	return f.rdb.Close()
}

// GetQuote reads HASH <prefix><BASE><QUOTE>.
func (f *RedisFeed) GetQuote(ctx context.Context, base, quote string) (model.Quote, error) {
	key := f.prefix + base + quote
	m, err := f.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return model.Quote{}, err
	}
	if len(m) == 0 {
		return model.Quote{}, fmt.Errorf("%s: %w", key, ErrNoQuote)
	}

	bid, err := decimal.NewFromString(m["bid"])
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s bid: %w", key, err)
	}
	ask, err := decimal.NewFromString(m["ask"])
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s ask: %w", key, err)
	}
	ts := f.now()
	if raw, ok := m["ts_ms"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.Quote{}, fmt.Errorf("%s ts_ms: %w", key, err)
		}
		ts = time.UnixMilli(ms)
	}
	if f.staleAfter > 0 && f.now().Sub(ts) > f.staleAfter {
		return model.Quote{}, fmt.Errorf("%s updated %s ago: %w", key, f.now().Sub(ts), ErrStaleQuote)
	}
	return model.Quote{BaseAsset: base, QuoteCurrency: quote, Bid: bid, Ask: ask, Timestamp: ts}, nil
}

type redisBook struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
	TsMs int64       `json:"ts_ms"`
}

// GetOrderBook reads STRING <prefix><BASE><QUOTE>:book.
func (f *RedisFeed) GetOrderBook(ctx context.Context, base, quote string, depth int) (model.OrderBook, error) {
	key := f.prefix + base + quote + ":book"
	raw, err := f.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.OrderBook{}, fmt.Errorf("%s: %w", key, ErrNoQuote)
	}
	if err != nil {
		return model.OrderBook{}, err
	}

	var rb redisBook
	if err := json.Unmarshal(raw, &rb); err != nil {
		return model.OrderBook{}, fmt.Errorf("%s: %w", key, err)
	}
	bids, err := parseLevels(rb.Bids)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("%s bids: %w", key, err)
	}
	asks, err := parseLevels(rb.Asks)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("%s asks: %w", key, err)
	}
	if depth > 0 {
		bids = bids[:min(depth, len(bids))]
		asks = asks[:min(depth, len(asks))]
	}
	ts := f.now()
	if rb.TsMs > 0 {
		ts = time.UnixMilli(rb.TsMs)
	}
	return model.OrderBook{BaseAsset: base, QuoteCurrency: quote, Bids: bids, Asks: asks, Timestamp: ts}, nil
}

// PutQuote publishes a quote in the layout GetQuote reads.
func (f *RedisFeed) PutQuote(ctx context.Context, q model.Quote) error {
	return f.rdb.HSet(ctx, f.prefix+q.Symbol(), map[string]interface{}{
		"bid":   q.Bid.String(),
		"ask":   q.Ask.String(),
		"ts_ms": q.Timestamp.UnixMilli(),
	}).Err()
}

// PutOrderBook publishes a depth snapshot in the layout GetOrderBook reads.
func (f *RedisFeed) PutOrderBook(ctx context.Context, b model.OrderBook) error {
	rb := redisBook{TsMs: b.Timestamp.UnixMilli()}
	for _, lv := range b.Bids {
		rb.Bids = append(rb.Bids, [2]string{lv.Price.String(), lv.Qty.String()})
	}
	for _, lv := range b.Asks {
		rb.Asks = append(rb.Asks, [2]string{lv.Price.String(), lv.Qty.String()})
	}
	raw, err := json.Marshal(rb)
	if err != nil {
		return err
	}
	return f.rdb.Set(ctx, f.prefix+b.BaseAsset+b.QuoteCurrency+":book", raw, 0).Err()
}
