package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/model"

	_ "modernc.org/sqlite"
)

// Decimals are stored as TEXT so no precision is lost to REAL affinity.
// Times are unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS arbitrage_history (
	id                TEXT PRIMARY KEY,
	base_asset        TEXT NOT NULL,
	buy_quote         TEXT NOT NULL,
	sell_quote        TEXT NOT NULL,
	buy_price         TEXT NOT NULL,
	sell_price        TEXT NOT NULL,
	trade_amount      TEXT NOT NULL,
	profit            TEXT NOT NULL,
	profit_percentage TEXT NOT NULL,
	buy_order_id      TEXT NOT NULL DEFAULT '',
	sell_order_id     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	strategy_id       TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	unhedged_amount   TEXT NOT NULL DEFAULT '0',
	start_time        INTEGER NOT NULL,
	end_time          INTEGER NOT NULL,
	duration_ms       INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arbitrage_history_start ON arbitrage_history (start_time);
CREATE INDEX IF NOT EXISTS idx_arbitrage_history_asset ON arbitrage_history (base_asset, start_time);

CREATE TABLE IF NOT EXISTS daily_stats (
	date                    TEXT PRIMARY KEY,
	trades                  INTEGER NOT NULL DEFAULT 0,
	successful_trades       INTEGER NOT NULL DEFAULT 0,
	failed_trades           INTEGER NOT NULL DEFAULT 0,
	partial_exposure_trades INTEGER NOT NULL DEFAULT 0,
	total_profit            TEXT NOT NULL DEFAULT '0',
	total_volume            TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS asset_stats (
	asset                   TEXT PRIMARY KEY,
	trades                  INTEGER NOT NULL DEFAULT 0,
	successful_trades       INTEGER NOT NULL DEFAULT 0,
	failed_trades           INTEGER NOT NULL DEFAULT 0,
	partial_exposure_trades INTEGER NOT NULL DEFAULT 0,
	total_profit            TEXT NOT NULL DEFAULT '0',
	total_volume            TEXT NOT NULL DEFAULT '0'
);`

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository keeps history in a local SQLite file.
type SQLiteRepository struct {
	DB *sql.DB
	tx *sql.Tx
}

// NewSQLiteRepository opens (or creates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent asset loops.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return &SQLiteRepository{DB: db}, nil
}

func (r *SQLiteRepository) db() sqlQuerier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.db().ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AppendAttempt(ctx context.Context, a model.Attempt) (bool, error) {
	res, err := r.db().ExecContext(ctx, `INSERT INTO arbitrage_history (
		id, base_asset, buy_quote, sell_quote, buy_price, sell_price, trade_amount,
		profit, profit_percentage, buy_order_id, sell_order_id, status, strategy_id,
		failure_reason, unhedged_amount, start_time, end_time, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`,
		a.ID, a.BaseAsset, a.BuyQuote, a.SellQuote,
		a.BuyPrice.String(), a.SellPrice.String(), a.TradeAmount.String(),
		a.Profit.String(), a.ProfitPercentage.Round(8).String(),
		a.BuyOrderID, a.SellOrderID, string(a.Status), a.StrategyID,
		string(a.FailureReason), a.UnhedgedAmount.String(),
		a.StartTime.UnixMilli(), a.EndTime.UnixMilli(), a.Duration.Milliseconds(), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteRepository) UpsertDailyStat(ctx context.Context, date string, d model.StatDelta) error {
	return r.upsertStat(ctx, "daily_stats", "date", date, d)
}

func (r *SQLiteRepository) UpsertAssetStat(ctx context.Context, asset string, d model.StatDelta) error {
	return r.upsertStat(ctx, "asset_stats", "asset", asset, d)
}

// upsertStat reads, applies and writes back inside a transaction; TEXT
// decimals cannot be summed by SQLite without going through floats.
func (r *SQLiteRepository) upsertStat(ctx context.Context, table, key, value string, d model.StatDelta) error {
	if r.tx == nil {
		return r.WithTx(ctx, func(tx Repository) error {
			return tx.(*SQLiteRepository).upsertStat(ctx, table, key, value, d)
		})
	}

	var (
		cur            model.AssetStat
		profit, volume string
	)
	row := r.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT trades, successful_trades, failed_trades,
		partial_exposure_trades, total_profit, total_volume FROM %s WHERE %s = ?`, table, key), value)
	switch err := row.Scan(&cur.Trades, &cur.SuccessfulTrades, &cur.FailedTrades, &cur.PartialExposureTrades, &profit, &volume); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read %s %s: %w", table, value, err)
	default:
		var perr error
		if cur.TotalProfit, perr = decimal.NewFromString(profit); perr != nil {
			return perr
		}
		if cur.TotalVolume, perr = decimal.NewFromString(volume); perr != nil {
			return perr
		}
	}
	cur.Apply(d)

	_, err := r.tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, trades, successful_trades, failed_trades,
		partial_exposure_trades, total_profit, total_volume) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (%[2]s) DO UPDATE SET
		trades = excluded.trades,
		successful_trades = excluded.successful_trades,
		failed_trades = excluded.failed_trades,
		partial_exposure_trades = excluded.partial_exposure_trades,
		total_profit = excluded.total_profit,
		total_volume = excluded.total_volume`, table, key),
		value, cur.Trades, cur.SuccessfulTrades, cur.FailedTrades, cur.PartialExposureTrades,
		cur.TotalProfit.String(), cur.TotalVolume.String())
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, value, err)
	}
	return nil
}

func (r *SQLiteRepository) QueryAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.BaseAsset != "" {
		where = append(where, "base_asset = ?")
		args = append(args, f.BaseAsset)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT id, base_asset, buy_quote, sell_quote, buy_price, sell_price, trade_amount,
		profit, profit_percentage, buy_order_id, sell_order_id, status, strategy_id,
		failure_reason, unhedged_amount, start_time, end_time, duration_ms, created_at
	FROM arbitrage_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var (
			a                                                  model.Attempt
			buy, sell, amount, profit, pct, unhedged, st, fail string
			start, end, durMS, created                         int64
		)
		if err := rows.Scan(&a.ID, &a.BaseAsset, &a.BuyQuote, &a.SellQuote, &buy, &sell, &amount,
			&profit, &pct, &a.BuyOrderID, &a.SellOrderID, &st, &a.StrategyID,
			&fail, &unhedged, &start, &end, &durMS, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartTime = time.UnixMilli(start)
		a.EndTime = time.UnixMilli(end)
		a.CreatedAt = time.UnixMilli(created)
		if err := fillAttempt(&a, st, fail, durMS, buy, sell, amount, profit, pct, unhedged); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DailyStats(ctx context.Context, from, to string) ([]model.DailyStat, error) {
	rows, err := r.db().QueryContext(ctx, `SELECT date, trades, successful_trades, failed_trades,
		partial_exposure_trades, total_profit, total_volume
	FROM daily_stats
	WHERE (? = '' OR date >= ?) AND (? = '' OR date <= ?)
	ORDER BY date`, from, from, to, to)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var out []model.DailyStat
	for rows.Next() {
		var (
			s              model.DailyStat
			profit, volume string
		)
		if err := rows.Scan(&s.Date, &s.Trades, &s.SuccessfulTrades, &s.FailedTrades,
			&s.PartialExposureTrades, &profit, &volume); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		if s.TotalProfit, err = decimal.NewFromString(profit); err != nil {
			return nil, err
		}
		if s.TotalVolume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AssetStats orders by profit in Go because TEXT columns sort lexically.
func (r *SQLiteRepository) AssetStats(ctx context.Context) ([]model.AssetStat, error) {
	rows, err := r.db().QueryContext(ctx, `SELECT asset, trades, successful_trades, failed_trades,
		partial_exposure_trades, total_profit, total_volume FROM asset_stats`)
	if err != nil {
		return nil, fmt.Errorf("query asset stats: %w", err)
	}
	defer rows.Close()

	var out []model.AssetStat
	for rows.Next() {
		var (
			s              model.AssetStat
			profit, volume string
		)
		if err := rows.Scan(&s.Asset, &s.Trades, &s.SuccessfulTrades, &s.FailedTrades,
			&s.PartialExposureTrades, &profit, &volume); err != nil {
			return nil, fmt.Errorf("scan asset stat: %w", err)
		}
		if s.TotalProfit, err = decimal.NewFromString(profit); err != nil {
			return nil, err
		}
		if s.TotalVolume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAssetStats(out)
	return out, nil
}

func (r *SQLiteRepository) PurgeAttemptsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db().ExecContext(ctx, `DELETE FROM arbitrage_history WHERE start_time < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&SQLiteRepository{DB: r.DB, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.tx != nil {
		return nil
	}
	return r.DB.Close()
}
