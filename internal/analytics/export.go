package analytics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// WriteJSON encodes rep as indented JSON.
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// ExportCSV writes overview.csv, daily_stats.csv and asset_stats.csv into dir.
// PartialExposure counts get their own column in every file.
func ExportCSV(dir string, rep Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	ov := rep.Overview
	overview := [][]string{
		{"metric", "value"},
		{"total_trades", strconv.FormatInt(ov.TotalTrades, 10)},
		{"successful_trades", strconv.FormatInt(ov.SuccessfulTrades, 10)},
		{"failed_trades", strconv.FormatInt(ov.FailedTrades, 10)},
		{"partial_exposure_trades", strconv.FormatInt(ov.PartialExposureTrades, 10)},
		{"unhedged_amount", ov.UnhedgedAmount.String()},
		{"total_profit", ov.TotalProfit.String()},
		{"total_volume", ov.TotalVolume.String()},
		{"avg_profit_per_trade", ov.AvgProfitPerTrade.String()},
		{"max_profit", ov.MaxProfit.String()},
		{"max_loss", ov.MaxLoss.String()},
		{"success_rate_pct", rep.SuccessRate.StringFixed(2)},
		{"profit_loss_ratio", rep.ProfitLossRatio.StringFixed(2)},
		{"avg_daily_volume", rep.AvgDailyVolume.String()},
		{"avg_daily_profit", rep.AvgDailyProfit.String()},
	}

	daily := [][]string{{"date", "trades", "successful_trades", "failed_trades", "partial_exposure_trades", "total_profit", "total_volume"}}
	for _, s := range rep.DailyStats {
		daily = append(daily, []string{
			s.Date,
			strconv.FormatInt(s.Trades, 10),
			strconv.FormatInt(s.SuccessfulTrades, 10),
			strconv.FormatInt(s.FailedTrades, 10),
			strconv.FormatInt(s.PartialExposureTrades, 10),
			s.TotalProfit.String(),
			s.TotalVolume.String(),
		})
	}

	assets := [][]string{{"asset", "trades", "successful_trades", "failed_trades", "partial_exposure_trades", "total_profit", "total_volume"}}
	for _, s := range rep.AssetStats {
		assets = append(assets, []string{
			s.Asset,
			strconv.FormatInt(s.Trades, 10),
			strconv.FormatInt(s.SuccessfulTrades, 10),
			strconv.FormatInt(s.FailedTrades, 10),
			strconv.FormatInt(s.PartialExposureTrades, 10),
			s.TotalProfit.String(),
			s.TotalVolume.String(),
		})
	}

	for name, records := range map[string][][]string{
		"overview.csv":    overview,
		"daily_stats.csv": daily,
		"asset_stats.csv": assets,
	} {
		if err := writeCSV(filepath.Join(dir, name), records); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
