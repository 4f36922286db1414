package analytics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/database"
	"stablearb/internal/model"
)

const defaultTopAssets = 10

var hundred = decimal.NewFromInt(100)

// Overview summarises the attempts inside a range.
type Overview struct {
	TotalTrades           int64           `json:"total_trades"`
	SuccessfulTrades      int64           `json:"successful_trades"`
	FailedTrades          int64           `json:"failed_trades"`
	PartialExposureTrades int64           `json:"partial_exposure_trades"`
	TotalProfit           decimal.Decimal `json:"total_profit"`
	TotalVolume           decimal.Decimal `json:"total_volume"`
	AvgProfitPerTrade     decimal.Decimal `json:"avg_profit_per_trade"`
	MaxProfit             decimal.Decimal `json:"max_profit"`
	MaxLoss               decimal.Decimal `json:"max_loss"`
	AvgDuration           time.Duration   `json:"avg_duration_ns"`
	UnhedgedAmount        decimal.Decimal `json:"unhedged_amount"`
}

// Report is the performance summary for one range.
type Report struct {
	Range           TimeRange         `json:"range"`
	GeneratedAt     time.Time         `json:"generated_at"`
	Overview        Overview          `json:"overview"`
	DailyStats      []model.DailyStat `json:"daily_stats"`
	AssetStats      []model.AssetStat `json:"asset_stats"`
	SuccessRate     decimal.Decimal   `json:"success_rate"`
	ProfitLossRatio decimal.Decimal   `json:"profit_loss_ratio"`
	AvgDailyVolume  decimal.Decimal   `json:"avg_daily_volume"`
	AvgDailyProfit  decimal.Decimal   `json:"avg_daily_profit"`
	BestDay         *model.DailyStat  `json:"best_day,omitempty"`
	WorstDay        *model.DailyStat  `json:"worst_day,omitempty"`
}

// Analyzer builds reports from recorded history.
type Analyzer struct {
	repo database.Repository
	loc  *time.Location
	now  func() time.Time
	top  int
}

func NewAnalyzer(repo database.Repository, loc *time.Location) *Analyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &Analyzer{repo: repo, loc: loc, now: time.Now, top: defaultTopAssets}
}

// Report computes the overview from the attempts in r and the daily figures
// from the persisted aggregates. Asset stats are lifetime totals, top N by profit.
func (a *Analyzer) Report(ctx context.Context, r TimeRange) (Report, error) {
	attempts, err := a.repo.QueryAttempts(ctx, database.AttemptFilter{From: r.From, To: r.To})
	if err != nil {
		return Report{}, model.PersistenceError("report attempts", err)
	}
	from, to := r.Dates(a.loc)
	daily, err := a.repo.DailyStats(ctx, from, to)
	if err != nil {
		return Report{}, model.PersistenceError("report daily stats", err)
	}
	assets, err := a.repo.AssetStats(ctx)
	if err != nil {
		return Report{}, model.PersistenceError("report asset stats", err)
	}
	if len(assets) > a.top {
		assets = assets[:a.top]
	}

	rep := Report{
		Range:       r,
		GeneratedAt: a.now(),
		Overview:    overview(attempts),
		DailyStats:  daily,
		AssetStats:  assets,
	}

	ov := rep.Overview
	if ov.TotalTrades > 0 {
		rep.SuccessRate = decimal.NewFromInt(ov.SuccessfulTrades).Div(decimal.NewFromInt(ov.TotalTrades)).Mul(hundred).Round(2)
	}
	if ov.MaxLoss.IsNegative() {
		rep.ProfitLossRatio = ov.MaxProfit.Div(ov.MaxLoss.Abs()).Round(4)
	}

	var (
		active         int64
		volume, profit decimal.Decimal
	)
	for i := range daily {
		s := daily[i]
		volume = volume.Add(s.TotalVolume)
		profit = profit.Add(s.TotalProfit)
		if s.Trades > 0 {
			active++
		}
		if rep.BestDay == nil || s.TotalProfit.GreaterThan(rep.BestDay.TotalProfit) {
			rep.BestDay = &daily[i]
		}
		if rep.WorstDay == nil || s.TotalProfit.LessThan(rep.WorstDay.TotalProfit) {
			rep.WorstDay = &daily[i]
		}
	}
	if active > 0 {
		rep.AvgDailyVolume = volume.Div(decimal.NewFromInt(active)).Round(8)
		rep.AvgDailyProfit = profit.Div(decimal.NewFromInt(active)).Round(8)
	}
	return rep, nil
}

func overview(attempts []model.Attempt) Overview {
	var (
		ov       Overview
		duration time.Duration
		seen     bool
	)
	for _, at := range attempts {
		d := at.Delta()
		ov.TotalTrades += d.Trades
		ov.SuccessfulTrades += d.SuccessfulTrades
		ov.FailedTrades += d.FailedTrades
		ov.PartialExposureTrades += d.PartialExposureTrades
		ov.TotalProfit = ov.TotalProfit.Add(d.Profit)
		ov.TotalVolume = ov.TotalVolume.Add(d.Volume)
		ov.UnhedgedAmount = ov.UnhedgedAmount.Add(at.UnhedgedAmount)
		duration += at.Duration

		if at.Status == model.StatusFailed {
			continue
		}
		if !seen || at.Profit.GreaterThan(ov.MaxProfit) {
			ov.MaxProfit = at.Profit
		}
		if !seen || at.Profit.LessThan(ov.MaxLoss) {
			ov.MaxLoss = at.Profit
		}
		seen = true
	}
	if ov.TotalTrades > 0 {
		n := decimal.NewFromInt(ov.TotalTrades)
		ov.AvgProfitPerTrade = ov.TotalProfit.Div(n).Round(8)
		ov.AvgDuration = duration / time.Duration(ov.TotalTrades)
	}
	if ov.MaxLoss.IsPositive() {
		ov.MaxLoss = decimal.Zero
	}
	if ov.MaxProfit.IsNegative() {
		ov.MaxProfit = decimal.Zero
	}
	return ov
}
