package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stablearb/internal/database"
	"stablearb/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func TestParseRange(t *testing.T) {
	day := func(y int, m time.Month, dd int) time.Time { return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name     string
		now      time.Time
		from, to time.Time
	}{
		{RangeToday, now, day(2024, 3, 15), day(2024, 3, 16)},
		{RangeYesterday, now, day(2024, 3, 14), day(2024, 3, 15)},
		{RangeLast7Days, now, day(2024, 3, 9), day(2024, 3, 16)},
		{RangeLast30Days, now, day(2024, 2, 15), day(2024, 3, 16)},
		{RangeThisMonth, now, day(2024, 3, 1), day(2024, 4, 1)},
		{RangeLastMonth, now, day(2024, 2, 1), day(2024, 3, 1)},
		{RangeLastMonth, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), day(2023, 12, 1), day(2024, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRange(tt.name, tt.now, time.UTC, "", "")
			require.NoError(t, err)
			assert.True(t, r.From.Equal(tt.from), "from %s", r.From)
			assert.True(t, r.To.Equal(tt.to), "to %s", r.To)
		})
	}

	all, err := ParseRange(RangeAllTime, now, time.UTC, "", "")
	require.NoError(t, err)
	assert.True(t, all.From.IsZero())
	assert.True(t, all.To.IsZero())

	custom, err := ParseRange(RangeCustom, now, time.UTC, "2024-03-01", "2024-03-03")
	require.NoError(t, err)
	from, to := custom.Dates(time.UTC)
	assert.Equal(t, "2024-03-01", from)
	assert.Equal(t, "2024-03-03", to)

	_, err = ParseRange(RangeCustom, now, time.UTC, "2024-03-05", "2024-03-01")
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	_, err = ParseRange("fortnight", now, time.UTC, "", "")
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}

func TestParseRange_UsesEngineTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 20:00 UTC is already the next day in Tokyo.
	r, err := ParseRange(RangeToday, time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC), tokyo, "", "")
	require.NoError(t, err)
	from, _ := r.Dates(tokyo)
	assert.Equal(t, "2024-03-16", from)
}

func seed(t *testing.T, repo database.Repository, id string, status model.Status, start time.Time, profit string) {
	t.Helper()
	a := model.Attempt{
		ID:          id,
		BaseAsset:   "BTC",
		BuyQuote:    "USDT",
		SellQuote:   "USDC",
		BuyPrice:    d("100"),
		SellPrice:   d("101"),
		TradeAmount: d("1"),
		Profit:      d(profit),
		Status:      status,
		StartTime:   start,
		EndTime:     start.Add(2 * time.Second),
		Duration:    2 * time.Second,
	}
	if status == model.StatusPartialExposure {
		a.UnhedgedAmount = d("1")
	}
	ctx := context.Background()
	_, err := repo.AppendAttempt(ctx, a)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertDailyStat(ctx, start.Format(time.DateOnly), a.Delta()))
	require.NoError(t, repo.UpsertAssetStat(ctx, a.BaseAsset, a.Delta()))
}

func seededAnalyzer(t *testing.T) *Analyzer {
	repo := database.NewMemoryRepository()
	yesterday := now.AddDate(0, 0, -1)
	seed(t, repo, "1", model.StatusCompleted, yesterday, "2")
	seed(t, repo, "2", model.StatusCompleted, yesterday.Add(time.Minute), "1")
	seed(t, repo, "3", model.StatusCompleted, now, "-0.5")
	seed(t, repo, "4", model.StatusPartialExposure, now.Add(time.Minute), "0")
	seed(t, repo, "5", model.StatusFailed, now.Add(2*time.Minute), "0")

	a := NewAnalyzer(repo, time.UTC)
	a.now = func() time.Time { return now }
	return a
}

func TestAnalyzer_ReportAllTime(t *testing.T) {
	a := seededAnalyzer(t)
	r, err := ParseRange(RangeAllTime, now, time.UTC, "", "")
	require.NoError(t, err)

	rep, err := a.Report(context.Background(), r)
	require.NoError(t, err)

	ov := rep.Overview
	assert.Equal(t, int64(5), ov.TotalTrades)
	assert.Equal(t, int64(3), ov.SuccessfulTrades)
	assert.Equal(t, int64(1), ov.FailedTrades)
	assert.Equal(t, int64(1), ov.PartialExposureTrades)
	assert.Equal(t, "2.5", ov.TotalProfit.String())
	assert.Equal(t, "400", ov.TotalVolume.String())
	assert.Equal(t, "2", ov.MaxProfit.String())
	assert.Equal(t, "-0.5", ov.MaxLoss.String())
	assert.Equal(t, "1", ov.UnhedgedAmount.String())
	assert.Equal(t, 2*time.Second, ov.AvgDuration)

	assert.Equal(t, "60", rep.SuccessRate.String())
	assert.Equal(t, "4", rep.ProfitLossRatio.String())
	require.Len(t, rep.DailyStats, 2)
	assert.Equal(t, "1.25", rep.AvgDailyProfit.String())
	assert.Equal(t, "200", rep.AvgDailyVolume.String())
	require.NotNil(t, rep.BestDay)
	assert.Equal(t, "2024-03-14", rep.BestDay.Date)
	assert.Equal(t, "2024-03-15", rep.WorstDay.Date)
	require.Len(t, rep.AssetStats, 1)
	assert.Equal(t, int64(1), rep.AssetStats[0].PartialExposureTrades)
}

func TestAnalyzer_ReportToday(t *testing.T) {
	a := seededAnalyzer(t)
	r, err := ParseRange(RangeToday, now, time.UTC, "", "")
	require.NoError(t, err)

	rep, err := a.Report(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.Overview.TotalTrades)
	assert.Equal(t, "33.33", rep.SuccessRate.String())
	assert.Equal(t, "0", rep.ProfitLossRatio.String(), "no winning trade today")
	require.Len(t, rep.DailyStats, 1)
	assert.Equal(t, "2024-03-15", rep.DailyStats[0].Date)
}

func TestAnalyzer_EmptyHistory(t *testing.T) {
	a := NewAnalyzer(database.NewMemoryRepository(), nil)
	rep, err := a.Report(context.Background(), TimeRange{Name: RangeAllTime})
	require.NoError(t, err)
	assert.Zero(t, rep.Overview.TotalTrades)
	assert.True(t, rep.SuccessRate.IsZero())
	assert.Nil(t, rep.BestDay)
}

func TestExport(t *testing.T) {
	a := seededAnalyzer(t)
	rep, err := a.Report(context.Background(), TimeRange{Name: RangeAllTime})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rep))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "overview")
	assert.Contains(t, decoded, "best_day")

	dir := filepath.Join(t.TempDir(), "report")
	require.NoError(t, ExportCSV(dir, rep))

	f, err := os.Open(filepath.Join(dir, "daily_stats.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "partial_exposure_trades", rows[0][4])
	assert.Equal(t, "1", rows[2][4])

	for _, name := range []string{"overview.csv", "asset_stats.csv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}
