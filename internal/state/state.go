package state

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

// ErrAlreadyInFlight is returned when an asset already has a non-terminal attempt.
var ErrAlreadyInFlight = errors.New("asset already has an attempt in flight")

const defaultAttemptRetention = 24 * time.Hour

// EngineState holds the engine-wide counters shared by every asset loop.
// All access goes through the mutex; callers never see the maps directly.
type EngineState struct {
	mu  sync.Mutex
	loc *time.Location
	now func() time.Time

	halted     bool
	haltReason string
	haltedAt   time.Time

	pnlDate  string
	dailyPnL decimal.Decimal

	inFlight map[string]decimal.Decimal
	unhedged map[string]decimal.Decimal
	attempts map[string][]time.Time

	attemptRetention time.Duration
}

// Option configures an EngineState.
type Option func(*EngineState)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *EngineState) { s.now = now }
}

// WithAttemptRetention bounds how long attempt start times are remembered.
func WithAttemptRetention(d time.Duration) Option {
	return func(s *EngineState) {
		if d > 0 {
			s.attemptRetention = d
		}
	}
}

// New creates an EngineState whose daily counters roll over at midnight in loc.
func New(loc *time.Location, opts ...Option) *EngineState {
	if loc == nil {
		loc = time.UTC
	}
	s := &EngineState{
		loc:              loc,
		now:              time.Now,
		inFlight:         make(map[string]decimal.Decimal),
		unhedged:         make(map[string]decimal.Decimal),
		attempts:         make(map[string][]time.Time),
		attemptRetention: defaultAttemptRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pnlDate = s.dateOf(s.now())
	return s
}

// Now returns the state clock's current time.
func (s *EngineState) Now() time.Time {
	return s.now()
}

// Location returns the timezone used for day boundaries.
func (s *EngineState) Location() *time.Location {
	return s.loc
}

// DateOf formats t as YYYY-MM-DD in the engine timezone.
func (s *EngineState) DateOf(t time.Time) string {
	return s.dateOf(t)
}

func (s *EngineState) dateOf(t time.Time) string {
	return t.In(s.loc).Format(time.DateOnly)
}

func (s *EngineState) rollover() {
	today := s.dateOf(s.now())
	if today != s.pnlDate {
		s.pnlDate = today
		s.dailyPnL = decimal.Zero
	}
}

// TryBegin marks asset as in flight with the given notional and records the attempt start.
func (s *EngineState) TryBegin(asset string, notional decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[asset]; busy {
		return ErrAlreadyInFlight
	}
	now := s.now()
	s.inFlight[asset] = notional
	s.attempts[asset] = append(prune(s.attempts[asset], now.Add(-s.attemptRetention)), now)
	return nil
}

// End clears the in-flight marker for asset.
func (s *EngineState) End(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, asset)
}

// InFlight reports whether asset has a non-terminal attempt.
func (s *EngineState) InFlight(asset string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[asset]
	return ok
}

// Settle folds a terminal attempt into the daily PnL and unhedged exposure.
func (s *EngineState) Settle(a model.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollover()
	s.dailyPnL = s.dailyPnL.Add(a.Profit)
	if a.Status == model.StatusPartialExposure && a.UnhedgedAmount.IsPositive() {
		s.unhedged[a.BaseAsset] = s.unhedged[a.BaseAsset].Add(a.UnhedgedAmount.Mul(a.BuyPrice))
	}
}

// DailyPnL returns today's realized profit and loss.
func (s *EngineState) DailyPnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	return s.dailyPnL
}

// Exposure returns in-flight plus unhedged notional for asset.
func (s *EngineState) Exposure(asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[asset].Add(s.unhedged[asset])
}

// Unhedged returns the unhedged notional carried for asset.
func (s *EngineState) Unhedged(asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unhedged[asset]
}

// ClearUnhedged acknowledges that the unhedged inventory for asset was handled manually.
func (s *EngineState) ClearUnhedged(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unhedged, asset)
}

// RecentAttempts returns the attempt start times for asset at or after since.
func (s *EngineState) RecentAttempts(asset string, since time.Time) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), prune(s.attempts[asset], since)...)
}

// LastAttempt returns the most recent attempt start for asset.
func (s *EngineState) LastAttempt(asset string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.attempts[asset]
	if len(ts) == 0 {
		return time.Time{}, false
	}
	return ts[len(ts)-1], true
}

// Halt sets the halt flag. Only the first reason is kept; it reports whether this call halted the engine.
func (s *EngineState) Halt(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.halted = true
	s.haltReason = reason
	s.haltedAt = s.now()
	return true
}

// Halted reports the halt flag and its reason.
func (s *EngineState) Halted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltReason
}

// Reset clears the halt flag. It is the only way out of a halt.
func (s *EngineState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	s.haltReason = ""
	s.haltedAt = time.Time{}
}

// Snapshot is a consistent copy of the counters for reporting.
type Snapshot struct {
	Halted     bool                       `json:"halted"`
	HaltReason string                     `json:"halt_reason,omitempty"`
	HaltedAt   time.Time                  `json:"halted_at,omitempty"`
	Date       string                     `json:"date"`
	DailyPnL   decimal.Decimal            `json:"daily_pnl"`
	InFlight   map[string]decimal.Decimal `json:"in_flight"`
	Unhedged   map[string]decimal.Decimal `json:"unhedged"`
}

// Snapshot copies the current counters.
func (s *EngineState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	snap := Snapshot{
		Halted:     s.halted,
		HaltReason: s.haltReason,
		HaltedAt:   s.haltedAt,
		Date:       s.pnlDate,
		DailyPnL:   s.dailyPnL,
		InFlight:   make(map[string]decimal.Decimal, len(s.inFlight)),
		Unhedged:   make(map[string]decimal.Decimal, len(s.unhedged)),
	}
	for k, v := range s.inFlight {
		snap.InFlight[k] = v
	}
	for k, v := range s.unhedged {
		snap.Unhedged[k] = v
	}
	return snap
}

// prune drops timestamps before cutoff. ts is sorted ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
