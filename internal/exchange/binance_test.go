package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btcusdtDepth = `{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":160,"bids":[["30000.10","0.5"],["29999.00","1.2"]],"asks":[["30000.20","0.4"],["30001.00","2"]]}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBinanceStream_HandleMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBinanceStream(testLogger(), "wss://example", []string{"BTC"}, []string{"USDT", "USDC"}, 5*time.Second)
	b.now = func() time.Time { return now }

	require.NoError(t, b.handleMessage([]byte(btcusdtDepth)))

	q, err := b.GetQuote(context.Background(), "BTC", "USDT")
	require.NoError(t, err)
	assert.Equal(t, "30000.1", q.Bid.String())
	assert.Equal(t, "30000.2", q.Ask.String())
	assert.Equal(t, "BTC", q.BaseAsset)
	assert.Equal(t, "USDT", q.QuoteCurrency)

	book, err := b.GetOrderBook(context.Background(), "BTC", "USDT", 1)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1)
	assert.Len(t, book.Asks, 1)

	_, err = b.GetQuote(context.Background(), "BTC", "USDC")
	assert.ErrorIs(t, err, ErrNoQuote)

	now = now.Add(6 * time.Second)
	_, err = b.GetQuote(context.Background(), "BTC", "USDT")
	assert.ErrorIs(t, err, ErrStaleQuote)
}

func TestBinanceStream_RejectsBadMessages(t *testing.T) {
	b := NewBinanceStream(testLogger(), "wss://example", []string{"BTC"}, []string{"USDT"}, 0)
	assert.Error(t, b.handleMessage([]byte(`{"stream":"ethusdt@depth20@100ms","data":{}}`)))
	assert.Error(t, b.handleMessage([]byte(`{"stream":"btcusdt@depth20@100ms","data":{"bids":[["x","1"]],"asks":[]}}`)))
	assert.Error(t, b.handleMessage([]byte(`not json`)))
}

func TestBinanceStream_StreamURL(t *testing.T) {
	b := NewBinanceStream(testLogger(), "wss://stream.binance.com:9443/stream", []string{"BTC"}, []string{"USDT", "USDC"}, 0)
	u := b.StreamURL()
	assert.True(t, strings.HasPrefix(u, "wss://stream.binance.com:9443/stream?streams="))
	assert.Contains(t, u, "btcusdt@depth20@100ms")
	assert.Contains(t, u, "btcusdc@depth20@100ms")
}

func TestBinanceStream_StartStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "streams=")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(btcusdtDepth))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	b := NewBinanceStream(testLogger(), wsURL, []string{"BTC"}, []string{"USDT"}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.StartStream(ctx) }()

	require.Eventually(t, func() bool {
		_, err := b.GetQuote(context.Background(), "BTC", "USDT")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StartStream did not return after cancel")
	}
}
