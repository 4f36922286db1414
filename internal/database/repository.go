package database

import (
	"context"
	"fmt"
	"time"

	"stablearb/internal/config"
	"stablearb/internal/model"
)

// AttemptFilter narrows QueryAttempts. Zero fields match everything.
type AttemptFilter struct {
	From      time.Time
	To        time.Time
	BaseAsset string
	Status    model.Status
	Limit     int
}

// Repository defines the standard interface for history storage.
type Repository interface {
	Migrate(ctx context.Context) error
	// AppendAttempt inserts a terminal attempt. inserted is false when the id already exists.
	AppendAttempt(ctx context.Context, a model.Attempt) (inserted bool, err error)
	UpsertDailyStat(ctx context.Context, date string, d model.StatDelta) error
	UpsertAssetStat(ctx context.Context, asset string, d model.StatDelta) error
	QueryAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error)
	// DailyStats returns rows with from <= date <= to, ordered by date. Empty bounds are open.
	DailyStats(ctx context.Context, from, to string) ([]model.DailyStat, error)
	AssetStats(ctx context.Context) ([]model.AssetStat, error)
	PurgeAttemptsBefore(ctx context.Context, t time.Time) (int64, error)
	// WithTx runs fn against a transactional view of the repository.
	WithTx(ctx context.Context, fn func(Repository) error) error
	Close() error
}

// Open connects the store named by cfg.Driver and runs migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.Driver {
	case "postgres":
		repo, err = NewPostgresRepository(ctx, cfg.DSN())
	case "sqlite":
		repo, err = NewSQLiteRepository(cfg.Path)
	case "memory":
		repo = NewMemoryRepository()
	default:
		return nil, model.ConfigurationError("open database", fmt.Errorf("unknown driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, model.PersistenceError("open "+cfg.Driver, err)
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, model.PersistenceError("migrate "+cfg.Driver, err)
	}
	return repo, nil
}
