package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"stablearb/internal/config"
	"stablearb/internal/database"
	"stablearb/internal/model"
)

// Recorder persists terminal attempts and keeps the daily and per-asset
// aggregates in step with them.
type Recorder struct {
	logger  *slog.Logger
	repo    database.Repository
	loc     *time.Location
	retries int
	timeout time.Duration
	initial time.Duration
	max     time.Duration
}

func NewRecorder(logger *slog.Logger, repo database.Repository, loc *time.Location, cfg config.ExecutionConfig) *Recorder {
	if loc == nil {
		loc = time.UTC
	}
	return &Recorder{
		logger:  logger,
		repo:    repo,
		loc:     loc,
		retries: cfg.PersistRetries,
		timeout: cfg.PersistTimeout,
		initial: cfg.RetryInitialInterval,
		max:     cfg.RetryMaxInterval,
	}
}

// Record writes a and its aggregate deltas in one transaction. Recording the
// same attempt id twice leaves the aggregates unchanged. The trade itself is
// never undone: when every retry fails the attempt is reported and a
// PersistenceError returned.
func (r *Recorder) Record(ctx context.Context, a model.Attempt) error {
	if !a.Status.IsTerminal() {
		return model.PersistenceError("record attempt", fmt.Errorf("%w: %s is %s", model.ErrNotTerminal, a.ID, a.Status))
	}
	ctx = context.WithoutCancel(ctx)

	op := func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		return r.write(callCtx, a)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Recorder: persisting attempt failed, retrying", "attempt", a.ID, "error", err, "retryIn", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(r.newBackOff(), uint64(max(r.retries, 0))), notify); err != nil {
		r.logger.Error("Recorder: attempt could not be persisted",
			"alert", "critical",
			"attempt", a.ID,
			"asset", a.BaseAsset,
			"status", a.Status,
			"profit", a.Profit,
			"unhedged", a.UnhedgedAmount,
			"error", err)
		return model.PersistenceError("record attempt "+a.ID, err)
	}
	return nil
}

func (r *Recorder) write(ctx context.Context, a model.Attempt) error {
	return r.repo.WithTx(ctx, func(tx database.Repository) error {
		inserted, err := tx.AppendAttempt(ctx, a)
		if err != nil {
			return err
		}
		if !inserted {
			r.logger.Info("Recorder: attempt already recorded", "attempt", a.ID)
			return nil
		}
		delta := a.Delta()
		if err := tx.UpsertDailyStat(ctx, a.StartTime.In(r.loc).Format(time.DateOnly), delta); err != nil {
			return err
		}
		return tx.UpsertAssetStat(ctx, a.BaseAsset, delta)
	})
}

// Purge removes attempts older than retentionDays. Aggregates are kept.
func (r *Recorder) Purge(ctx context.Context, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	n, err := r.repo.PurgeAttemptsBefore(ctx, cutoff)
	if err != nil {
		return 0, model.PersistenceError("purge history", err)
	}
	if n > 0 {
		r.logger.Info("Recorder: purged old attempts", "count", n, "before", cutoff)
	}
	return n, nil
}

func (r *Recorder) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Recorder) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if r.initial > 0 {
		bo.InitialInterval = r.initial
	}
	if r.max > 0 {
		bo.MaxInterval = r.max
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
