package history

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stablearb/internal/config"
	"stablearb/internal/database"
	"stablearb/internal/model"
)

// flakyRepo fails the first `failures` transactions.
type flakyRepo struct {
	*database.MemoryRepository
	failures int32
	calls    atomic.Int32
}

func (f *flakyRepo) WithTx(ctx context.Context, fn func(database.Repository) error) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryRepository.WithTx(ctx, fn)
}

func testRecorder(repo database.Repository, loc *time.Location) *Recorder {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewRecorder(logger, repo, loc, config.ExecutionConfig{
		PersistRetries:       2,
		PersistTimeout:       time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	})
}

func terminal(id string, status model.Status, start time.Time) model.Attempt {
	opp := model.NewOpportunity("BTC", "USDT", "USDC",
		decimal.RequireFromString("30000"), decimal.RequireFromString("30050"),
		decimal.RequireFromString("0.00333333"), "simple", start)
	a := model.NewAttempt(id, opp, start)
	switch status {
	case model.StatusCompleted:
		for _, s := range []model.Status{model.StatusBuyOrderPlaced, model.StatusBuyOrderFilled, model.StatusSellOrderPlaced, model.StatusSellOrderFilled} {
			if err := a.Advance(s, start); err != nil {
				panic(err)
			}
		}
		a.Settle(decimal.RequireFromString("100.16656650"), decimal.RequireFromString("99.99990000"))
		_ = a.Finish(model.StatusCompleted, model.ReasonNone, start.Add(time.Second))
	case model.StatusPartialExposure:
		_ = a.Advance(model.StatusBuyOrderPlaced, start)
		_ = a.Advance(model.StatusBuyOrderFilled, start)
		a.UnhedgedAmount = a.TradeAmount
		_ = a.Finish(model.StatusPartialExposure, model.ReasonSellSubmitError, start.Add(time.Second))
	default:
		_ = a.Finish(model.StatusFailed, model.ReasonBuySubmitError, start.Add(time.Second))
	}
	return *a
}

func TestRecorder_RecordsAttemptAndAggregates(t *testing.T) {
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	repo := database.NewMemoryRepository()
	rec := testRecorder(repo, tokyo)

	// 20:00 UTC on May 1st is already May 2nd in Tokyo.
	start := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(ctx, terminal("a1", model.StatusCompleted, start)))

	got, err := repo.QueryAttempts(ctx, database.AttemptFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	daily, err := repo.DailyStats(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, "2024-05-02", daily[0].Date)
	assert.Equal(t, int64(1), daily[0].SuccessfulTrades)
	assert.Equal(t, "0.1666665", daily[0].TotalProfit.String())
	assert.Equal(t, "99.9999", daily[0].TotalVolume.String())
}

func TestRecorder_ReplayDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	rec := testRecorder(repo, time.UTC)
	a := terminal("a1", model.StatusCompleted, time.Now())

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Record(ctx, a))
	}

	assets, err := repo.AssetStats(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int64(1), assets[0].Trades)
	assert.True(t, assets[0].TotalProfit.Equal(a.Profit))

	daily, err := repo.DailyStats(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(1), daily[0].Trades)
}

func TestRecorder_PartialExposureCountedSeparately(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	rec := testRecorder(repo, time.UTC)
	now := time.Now()

	require.NoError(t, rec.Record(ctx, terminal("p", model.StatusPartialExposure, now)))
	require.NoError(t, rec.Record(ctx, terminal("f", model.StatusFailed, now)))

	assets, err := repo.AssetStats(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int64(2), assets[0].Trades)
	assert.Equal(t, int64(1), assets[0].PartialExposureTrades)
	assert.Equal(t, int64(1), assets[0].FailedTrades)
	assert.Equal(t, int64(0), assets[0].SuccessfulTrades)
}

func TestRecorder_RejectsNonTerminal(t *testing.T) {
	repo := database.NewMemoryRepository()
	rec := testRecorder(repo, time.UTC)
	opp := model.NewOpportunity("BTC", "USDT", "USDC", decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(1), "simple", time.Now())

	err := rec.Record(context.Background(), *model.NewAttempt("x", opp, time.Now()))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindPersistence))
	assert.ErrorIs(t, err, model.ErrNotTerminal)

	got, err := repo.QueryAttempts(context.Background(), database.AttemptFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: database.NewMemoryRepository(), failures: 2}
	rec := testRecorder(repo, time.UTC)

	require.NoError(t, rec.Record(context.Background(), terminal("a1", model.StatusCompleted, time.Now())))
	assert.Equal(t, int32(3), repo.calls.Load())

	got, err := repo.QueryAttempts(context.Background(), database.AttemptFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecorder_ExhaustedRetriesReturnPersistenceError(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: database.NewMemoryRepository(), failures: 100}
	rec := testRecorder(repo, time.UTC)

	err := rec.Record(context.Background(), terminal("a1", model.StatusCompleted, time.Now()))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindPersistence))
	assert.Equal(t, int32(3), repo.calls.Load(), "one attempt plus two retries")
}

func TestRecorder_Purge(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	rec := testRecorder(repo, time.UTC)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, rec.Record(ctx, terminal("old", model.StatusCompleted, now.AddDate(0, 0, -40))))
	require.NoError(t, rec.Record(ctx, terminal("new", model.StatusCompleted, now.AddDate(0, 0, -1))))

	n, err := rec.Purge(ctx, now, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = rec.Purge(ctx, now, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero retention keeps everything")

	assets, err := repo.AssetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), assets[0].Trades, "aggregates survive the purge")
}
