package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS arbitrage_history (
	id                TEXT PRIMARY KEY,
	base_asset        VARCHAR(20) NOT NULL,
	buy_quote         VARCHAR(20) NOT NULL,
	sell_quote        VARCHAR(20) NOT NULL,
	buy_price         NUMERIC(30, 12) NOT NULL,
	sell_price        NUMERIC(30, 12) NOT NULL,
	trade_amount      NUMERIC(30, 12) NOT NULL,
	profit            NUMERIC(30, 12) NOT NULL,
	profit_percentage NUMERIC(20, 8) NOT NULL,
	buy_order_id      TEXT NOT NULL DEFAULT '',
	sell_order_id     TEXT NOT NULL DEFAULT '',
	status            VARCHAR(32) NOT NULL,
	strategy_id       VARCHAR(32) NOT NULL DEFAULT '',
	failure_reason    VARCHAR(64) NOT NULL DEFAULT '',
	unhedged_amount   NUMERIC(30, 12) NOT NULL DEFAULT 0,
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ NOT NULL,
	duration_ms       BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_arbitrage_history_start ON arbitrage_history (start_time);
CREATE INDEX IF NOT EXISTS idx_arbitrage_history_asset ON arbitrage_history (base_asset, start_time);

CREATE TABLE IF NOT EXISTS daily_stats (
	date                    VARCHAR(10) PRIMARY KEY,
	trades                  BIGINT NOT NULL DEFAULT 0,
	successful_trades       BIGINT NOT NULL DEFAULT 0,
	failed_trades           BIGINT NOT NULL DEFAULT 0,
	partial_exposure_trades BIGINT NOT NULL DEFAULT 0,
	total_profit            NUMERIC(30, 12) NOT NULL DEFAULT 0,
	total_volume            NUMERIC(30, 12) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS asset_stats (
	asset                   VARCHAR(20) PRIMARY KEY,
	trades                  BIGINT NOT NULL DEFAULT 0,
	successful_trades       BIGINT NOT NULL DEFAULT 0,
	failed_trades           BIGINT NOT NULL DEFAULT 0,
	partial_exposure_trades BIGINT NOT NULL DEFAULT 0,
	total_profit            NUMERIC(30, 12) NOT NULL DEFAULT 0,
	total_volume            NUMERIC(30, 12) NOT NULL DEFAULT 0
);`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a Postgres implementation of the Repository interface.
type PostgresRepository struct {
	Pool *pgxpool.Pool
	q    querier
}

// NewPostgresRepository opens a pool against dsn and verifies it.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

func (r *PostgresRepository) db() querier {
	if r.q != nil {
		return r.q
	}
	return r.Pool
}

// Migrate creates the history tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db().Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// AppendAttempt inserts a into arbitrage_history, ignoring a duplicate id.
func (r *PostgresRepository) AppendAttempt(ctx context.Context, a model.Attempt) (bool, error) {
	sql := `INSERT INTO arbitrage_history (
		id, base_asset, buy_quote, sell_quote, buy_price, sell_price, trade_amount,
		profit, profit_percentage, buy_order_id, sell_order_id, status, strategy_id,
		failure_reason, unhedged_amount, start_time, end_time, duration_ms, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (id) DO NOTHING`

	tag, err := r.db().Exec(ctx, sql,
		a.ID, a.BaseAsset, a.BuyQuote, a.SellQuote,
		a.BuyPrice.String(), a.SellPrice.String(), a.TradeAmount.String(),
		a.Profit.String(), a.ProfitPercentage.Round(8).String(),
		a.BuyOrderID, a.SellOrderID, string(a.Status), a.StrategyID,
		string(a.FailureReason), a.UnhedgedAmount.String(),
		a.StartTime, a.EndTime, a.Duration.Milliseconds(), a.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertDailyStat adds d to the row for date.
func (r *PostgresRepository) UpsertDailyStat(ctx context.Context, date string, d model.StatDelta) error {
	return r.upsertStat(ctx, "daily_stats", "date", date, d)
}

// UpsertAssetStat adds d to the row for asset.
func (r *PostgresRepository) UpsertAssetStat(ctx context.Context, asset string, d model.StatDelta) error {
	return r.upsertStat(ctx, "asset_stats", "asset", asset, d)
}

func (r *PostgresRepository) upsertStat(ctx context.Context, table, key, value string, d model.StatDelta) error {
	sql := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, trades, successful_trades, failed_trades, partial_exposure_trades, total_profit, total_volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (%[2]s) DO UPDATE SET
		trades = %[1]s.trades + EXCLUDED.trades,
		successful_trades = %[1]s.successful_trades + EXCLUDED.successful_trades,
		failed_trades = %[1]s.failed_trades + EXCLUDED.failed_trades,
		partial_exposure_trades = %[1]s.partial_exposure_trades + EXCLUDED.partial_exposure_trades,
		total_profit = %[1]s.total_profit + EXCLUDED.total_profit,
		total_volume = %[1]s.total_volume + EXCLUDED.total_volume`, table, key)

	_, err := r.db().Exec(ctx, sql, value, d.Trades, d.SuccessfulTrades, d.FailedTrades,
		d.PartialExposureTrades, d.Profit.String(), d.Volume.String())
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, value, err)
	}
	return nil
}

// QueryAttempts returns attempts matching f, newest first.
func (r *PostgresRepository) QueryAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	if f.BaseAsset != "" {
		add("base_asset = $%d", f.BaseAsset)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	sql := `SELECT id, base_asset, buy_quote, sell_quote, buy_price::text, sell_price::text,
		trade_amount::text, profit::text, profit_percentage::text, buy_order_id, sell_order_id,
		status, strategy_id, failure_reason, unhedged_amount::text, start_time, end_time,
		duration_ms, created_at
	FROM arbitrage_history`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY start_time DESC, id"
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var (
			a                                                  model.Attempt
			buy, sell, amount, profit, pct, unhedged, st, fail string
			durMS                                              int64
		)
		if err := rows.Scan(&a.ID, &a.BaseAsset, &a.BuyQuote, &a.SellQuote, &buy, &sell,
			&amount, &profit, &pct, &a.BuyOrderID, &a.SellOrderID, &st, &a.StrategyID,
			&fail, &unhedged, &a.StartTime, &a.EndTime, &durMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := fillAttempt(&a, st, fail, durMS, buy, sell, amount, profit, pct, unhedged); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DailyStats returns daily rows within [from, to].
func (r *PostgresRepository) DailyStats(ctx context.Context, from, to string) ([]model.DailyStat, error) {
	sql := `SELECT date, trades, successful_trades, failed_trades, partial_exposure_trades,
		total_profit::text, total_volume::text
	FROM daily_stats
	WHERE ($1::text = '' OR date >= $1::text) AND ($2::text = '' OR date <= $2::text)
	ORDER BY date`
	rows, err := r.db().Query(ctx, sql, from, to)
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

// AssetStats returns all asset rows ordered by total profit, highest first.
func (r *PostgresRepository) AssetStats(ctx context.Context) ([]model.AssetStat, error) {
	sql := `SELECT asset, trades, successful_trades, failed_trades, partial_exposure_trades,
		total_profit::text, total_volume::text
	FROM asset_stats
	ORDER BY total_profit DESC, asset`
	rows, err := r.db().Query(ctx, sql)
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
	return out, rows.Err()
}

// PurgeAttemptsBefore deletes attempts that started before t. Aggregates are kept.
func (r *PostgresRepository) PurgeAttemptsBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.db().Exec(ctx, `DELETE FROM arbitrage_history WHERE start_time < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WithTx runs fn inside a transaction, committing only if fn returns nil.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.q != nil {
		return fn(r)
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&PostgresRepository{Pool: r.Pool, q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the pool. Transactional views do not own it.
func (r *PostgresRepository) Close() error {
	if r.q == nil && r.Pool != nil {
		r.Pool.Close()
	}
	return nil
}

// fillAttempt parses the text-encoded columns shared by every SQL backend.
func fillAttempt(a *model.Attempt, status, reason string, durMS int64, buy, sell, amount, profit, pct, unhedged string) error {
	st, err := model.ParseStatus(status)
	if err != nil {
		return err
	}
	a.Status = st
	a.FailureReason = model.FailureReason(reason)
	a.Duration = time.Duration(durMS) * time.Millisecond

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.BuyPrice, buy},
		{&a.SellPrice, sell},
		{&a.TradeAmount, amount},
		{&a.Profit, profit},
		{&a.ProfitPercentage, pct},
		{&a.UnhedgedAmount, unhedged},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("attempt %s: %w", a.ID, err)
		}
		*f.dst = v
	}
	return nil
}
