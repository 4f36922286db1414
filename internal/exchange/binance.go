package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

const maxReconnectBackoff = 16 * time.Second

// BinanceStream keeps the latest partial depth snapshot for every configured
// market from Binance's combined websocket streams.
type BinanceStream struct {
	logger     *slog.Logger
	url        string
	staleAfter time.Duration
	markets    map[string]market // lowercase symbol -> market
	now        func() time.Time

	mu    sync.RWMutex
	books map[string]model.OrderBook // uppercase symbol -> latest book
}

type market struct {
	base, quote string
}

// NewBinanceStream creates a stream for every (base, quote) combination.
func NewBinanceStream(logger *slog.Logger, url string, bases, quotes []string, staleAfter time.Duration) *BinanceStream {
	markets := make(map[string]market, len(bases)*len(quotes))
	for _, b := range bases {
		for _, q := range quotes {
			markets[strings.ToLower(b+q)] = market{base: b, quote: q}
		}
	}
	return &BinanceStream{
		logger:     logger,
		url:        url,
		staleAfter: staleAfter,
		markets:    markets,
		now:        time.Now,
		books:      make(map[string]model.OrderBook),
	}
}

func (b *BinanceStream) GetName() string {
	return "binance"
}

// StreamURL returns the combined stream URL for all markets.
func (b *BinanceStream) StreamURL() string {
	streams := make([]string, 0, len(b.markets))
	for sym := range b.markets {
		streams = append(streams, sym+"@depth20@100ms")
	}
	return b.url + "?streams=" + strings.Join(streams, "/")
}

// StartStream connects to the Binance WebSocket API and keeps the book cache
// current until ctx is cancelled, reconnecting with capped exponential backoff.
func (b *BinanceStream) StartStream(ctx context.Context) error {
	wsURL := b.StreamURL()
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("BinanceStream: context cancelled, shutting down")
			return nil
		default:
		}

		b.logger.Info("BinanceStream: connecting to WebSocket", "url", wsURL, "backoff", backoff)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			b.logger.Error("BinanceStream: WebSocket connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxReconnectBackoff {
					backoff = maxReconnectBackoff
				}
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		b.logger.Info("BinanceStream: connected successfully", "markets", len(b.markets))
		b.readLoop(ctx, c)
	}
}

func (b *BinanceStream) readLoop(ctx context.Context, c *websocket.Conn) {
	defer c.Close()

	// Unblock ReadMessage when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("BinanceStream: failed to read message", "error", err)
			}
			return
		}
		if err := b.handleMessage(message); err != nil {
			b.logger.Warn("BinanceStream: failed to parse message", "error", err)
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthPayload struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (b *BinanceStream) handleMessage(message []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	sym, _, _ := strings.Cut(msg.Stream, "@")
	m, ok := b.markets[sym]
	if !ok {
		return fmt.Errorf("unexpected stream %q", msg.Stream)
	}

	var payload depthPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return err
	}
	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return fmt.Errorf("asks: %w", err)
	}

	book := model.OrderBook{BaseAsset: m.base, QuoteCurrency: m.quote, Bids: bids, Asks: asks, Timestamp: b.now()}
	b.mu.Lock()
	b.books[m.base+m.quote] = book
	b.mu.Unlock()
	return nil
}

func parseLevels(raw [][2]string) ([]model.BookLevel, error) {
	levels := make([]model.BookLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.BookLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

func (b *BinanceStream) latest(base, quote string) (model.OrderBook, error) {
	b.mu.RLock()
	book, ok := b.books[base+quote]
	b.mu.RUnlock()
	if !ok || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return model.OrderBook{}, fmt.Errorf("%s%s: %w", base, quote, ErrNoQuote)
	}
	if b.staleAfter > 0 && b.now().Sub(book.Timestamp) > b.staleAfter {
		return model.OrderBook{}, fmt.Errorf("%s%s updated %s ago: %w", base, quote, b.now().Sub(book.Timestamp), ErrStaleQuote)
	}
	return book, nil
}

// GetQuote returns top of book from the cached depth snapshot.
func (b *BinanceStream) GetQuote(ctx context.Context, base, quote string) (model.Quote, error) {
	book, err := b.latest(base, quote)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		BaseAsset:     base,
		QuoteCurrency: quote,
		Bid:           book.Bids[0].Price,
		Ask:           book.Asks[0].Price,
		Timestamp:     book.Timestamp,
	}, nil
}

// GetOrderBook returns up to depth levels per side from the cached snapshot.
func (b *BinanceStream) GetOrderBook(ctx context.Context, base, quote string, depth int) (model.OrderBook, error) {
	book, err := b.latest(base, quote)
	if err != nil {
		return model.OrderBook{}, err
	}
	if depth > 0 {
		book.Bids = book.Bids[:min(depth, len(book.Bids))]
		book.Asks = book.Asks[:min(depth, len(book.Asks))]
	}
	return book, nil
}
