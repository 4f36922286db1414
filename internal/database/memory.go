package database

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"stablearb/internal/model"
)

// MemoryRepository keeps history in process. It backs tests and throwaway
// simulation runs.
type MemoryRepository struct {
	mu       sync.Mutex
	attempts map[string]model.Attempt
	daily    map[string]model.DailyStat
	assets   map[string]model.AssetStat
	// locked is set on the view handed to WithTx callbacks, whose caller already holds mu.
	locked bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		attempts: make(map[string]model.Attempt),
		daily:    make(map[string]model.DailyStat),
		assets:   make(map[string]model.AssetStat),
	}
}

func (r *MemoryRepository) lock() func() {
	if r.locked {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *MemoryRepository) Migrate(context.Context) error { return nil }

func (r *MemoryRepository) AppendAttempt(_ context.Context, a model.Attempt) (bool, error) {
	defer r.lock()()
	if _, ok := r.attempts[a.ID]; ok {
		return false, nil
	}
	r.attempts[a.ID] = a
	return true, nil
}

func (r *MemoryRepository) UpsertDailyStat(_ context.Context, date string, d model.StatDelta) error {
	defer r.lock()()
	s := r.daily[date]
	s.Date = date
	s.Apply(d)
	r.daily[date] = s
	return nil
}

func (r *MemoryRepository) UpsertAssetStat(_ context.Context, asset string, d model.StatDelta) error {
	defer r.lock()()
	s := r.assets[asset]
	s.Asset = asset
	s.Apply(d)
	r.assets[asset] = s
	return nil
}

func (r *MemoryRepository) QueryAttempts(_ context.Context, f AttemptFilter) ([]model.Attempt, error) {
	defer r.lock()()
	var out []model.Attempt
	for _, a := range r.attempts {
		if !f.From.IsZero() && a.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.StartTime.Before(f.To) {
			continue
		}
		if f.BaseAsset != "" && a.BaseAsset != f.BaseAsset {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) DailyStats(_ context.Context, from, to string) ([]model.DailyStat, error) {
	defer r.lock()()
	var out []model.DailyStat
	for date, s := range r.daily {
		if (from != "" && date < from) || (to != "" && date > to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (r *MemoryRepository) AssetStats(context.Context) ([]model.AssetStat, error) {
	defer r.lock()()
	out := make([]model.AssetStat, 0, len(r.assets))
	for _, s := range r.assets {
		out = append(out, s)
	}
	sortAssetStats(out)
	return out, nil
}

func (r *MemoryRepository) PurgeAttemptsBefore(_ context.Context, t time.Time) (int64, error) {
	defer r.lock()()
	var n int64
	for id, a := range r.attempts {
		if a.StartTime.Before(t) {
			delete(r.attempts, id)
			n++
		}
	}
	return n, nil
}

// WithTx holds the lock for the duration of fn and restores the previous
// contents if fn fails.
func (r *MemoryRepository) WithTx(_ context.Context, fn func(Repository) error) error {
	if r.locked {
		return fn(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := maps.Clone(r.attempts)
	daily := maps.Clone(r.daily)
	assets := maps.Clone(r.assets)

	view := &MemoryRepository{attempts: r.attempts, daily: r.daily, assets: r.assets, locked: true}
	if err := fn(view); err != nil {
		r.attempts, r.daily, r.assets = attempts, daily, assets
		return err
	}
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

func sortAssetStats(s []model.AssetStat) {
	sort.Slice(s, func(i, j int) bool {
		if c := s[i].TotalProfit.Cmp(s[j].TotalProfit); c != 0 {
			return c > 0
		}
		return s[i].Asset < s[j].Asset
	})
}
