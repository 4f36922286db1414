package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"stablearb/internal/config"
	"stablearb/internal/exchange"
	"stablearb/internal/metrics"
	"stablearb/internal/model"
	"stablearb/internal/risk"
	"stablearb/internal/state"
	"stablearb/internal/strategy"
)

const purgeInterval = 24 * time.Hour

// Executor runs an approved opportunity to a terminal attempt.
type Executor interface {
	Execute(ctx context.Context, opp model.Opportunity) *model.Attempt
}

// Recorder persists terminal attempts.
type Recorder interface {
	Record(ctx context.Context, a model.Attempt) error
	Purge(ctx context.Context, now time.Time, retentionDays int) (int64, error)
}

// Deps are the collaborators the engine drives each cycle.
type Deps struct {
	MarketData exchange.MarketData
	Strategies []strategy.Strategy
	Risk       *risk.Pipeline
	Executor   Executor
	Recorder   Recorder
	State      *state.EngineState
	Metrics    *metrics.Metrics
}

// ArbitrageEngine holds the logic for identifying and executing arbitrage opportunities.
type ArbitrageEngine struct {
	logger     *slog.Logger
	cfg        config.ArbitrageConfig
	depth      int
	deps       Deps
	needsDepth bool
	// windows is keyed by base asset. Each window is only touched by its asset's loop.
	windows map[string]*strategy.Window
}

// NewArbitrageEngine creates a new instance of the ArbitrageEngine.
func NewArbitrageEngine(logger *slog.Logger, cfg config.ArbitrageConfig, depth int, deps Deps) *ArbitrageEngine {
	windows := make(map[string]*strategy.Window, len(cfg.BaseAssets))
	for _, base := range cfg.BaseAssets {
		windows[base] = strategy.NewWindow(cfg.HistoryWindow)
	}
	return &ArbitrageEngine{
		logger:     logger,
		cfg:        cfg,
		depth:      depth,
		deps:       deps,
		needsDepth: strategy.NeedsDepth(deps.Strategies),
		windows:    windows,
	}
}

// Run starts one loop per base asset plus the retention purge and blocks
// until ctx is done, runtime elapses, or a loop fails fatally.
func (e *ArbitrageEngine) Run(ctx context.Context, runtime time.Duration) error {
	if runtime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runtime)
		defer cancel()
	}

	e.logger.Info("Starting arbitrage engine",
		"assets", e.cfg.BaseAssets,
		"quotes", e.cfg.QuoteCurrencies,
		"interval", e.cfg.CheckInterval(),
		"risk", e.deps.Risk.Names())

	g, gctx := errgroup.WithContext(ctx)
	for _, base := range e.cfg.BaseAssets {
		g.Go(func() error { return e.loop(gctx, base) })
	}
	g.Go(func() error { return e.retentionLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	e.logger.Info("Arbitrage engine stopped", "error", err)
	return err
}

// loop ticks RunCycle for one asset. Cancellation is only observed between
// cycles; a running cycle always finishes.
func (e *ArbitrageEngine) loop(ctx context.Context, base string) error {
	ticker := time.NewTicker(e.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(context.WithoutCancel(ctx), base); err != nil {
			if model.IsKind(err, model.KindConfiguration) {
				e.logger.Error("Fatal error in cycle, stopping engine", "asset", base, "error", err)
				return err
			}
			e.logger.Warn("Cycle ended with error", "asset", base, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one detection and, at most, one execution for base.
// It returns the terminal attempt when one was executed.
func (e *ArbitrageEngine) RunCycle(ctx context.Context, base string) (*model.Attempt, error) {
	m := e.deps.Metrics
	st := e.deps.State
	m.Cycles.WithLabelValues(base).Inc()

	quotes, err := e.fetchQuotes(ctx, base)
	if err != nil {
		m.QuoteErrors.WithLabelValues(base).Inc()
		return nil, err
	}

	now := st.Now()
	window := e.window(base)
	window.Push(strategy.Snapshot{At: now, Quotes: quotes})
	e.observeQuotes(base, quotes, now)

	if halted, reason := st.Halted(); halted {
		e.logger.Debug("Engine halted, skipping evaluation", "asset", base, "reason", reason)
		return nil, nil
	}

	in := strategy.Input{BaseAsset: base, Quotes: quotes, History: window, Now: now}
	if e.needsDepth {
		in.Books = e.fetchBooks(ctx, base)
	}

	var cands []model.Opportunity
	for _, s := range e.deps.Strategies {
		opp, err := s.Evaluate(in)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.ID(), err)
		}
		if opp != nil {
			cands = append(cands, *opp)
		}
	}
	best := strategy.SelectBest(cands, e.cfg.MinProfitPercentage)
	if best == nil {
		return nil, nil
	}
	m.Opportunities.WithLabelValues(base, best.StrategyID).Inc()

	log := e.logger.With("asset", base, "strategy", best.StrategyID)
	log.Info("Arbitrage opportunity found",
		"buyQuote", best.BuyQuote,
		"sellQuote", best.SellQuote,
		"buyPrice", best.BuyPrice,
		"sellPrice", best.SellPrice,
		"amount", best.TradeAmount,
		"expectedProfit", best.ExpectedProfit,
		"expectedProfitPercentage", best.ExpectedProfitPercentage.StringFixed(4))

	if st.InFlight(base) {
		log.Info("Attempt already in flight, skipping opportunity")
		return nil, nil
	}

	d := e.deps.Risk.Evaluate(*best, st)
	switch d.Verdict {
	case risk.Deny:
		m.RiskRejections.WithLabelValues(d.Controller, d.Verdict.String()).Inc()
		log.Info("Opportunity denied by risk control", "controller", d.Controller, "reason", d.Reason)
		return nil, nil
	case risk.HaltEngine:
		m.RiskRejections.WithLabelValues(d.Controller, d.Verdict.String()).Inc()
		m.Halted.Set(1)
		log.Error("Engine halted by risk control", "alert", "critical", "controller", d.Controller, "reason", d.Reason)
		return nil, model.RiskHalt(d.Controller, errors.New(d.Reason))
	}

	if err := st.TryBegin(base, best.Notional()); err != nil {
		log.Info("Could not start attempt", "error", err)
		return nil, nil
	}
	defer st.End(base)

	a := e.deps.Executor.Execute(ctx, *best)

	st.Settle(*a)
	e.deps.Risk.Observe(*a, st)
	e.observeAttempt(*a)

	if err := e.deps.Recorder.Record(ctx, *a); err != nil {
		m.PersistFailures.Inc()
		return a, err
	}
	return a, nil
}

// fetchQuotes reads every configured quote for base, each with its own
// timeout and bounded retries.
func (e *ArbitrageEngine) fetchQuotes(ctx context.Context, base string) (map[string]model.Quote, error) {
	start := time.Now()
	defer func() { e.deps.Metrics.QuoteLatency.Observe(time.Since(start).Seconds()) }()

	quotes := make(map[string]model.Quote, len(e.cfg.QuoteCurrencies))
	for _, qc := range e.cfg.QuoteCurrencies {
		var q model.Quote
		op := func() error {
			callCtx, cancel := e.quoteContext(ctx)
			defer cancel()
			got, err := e.deps.MarketData.GetQuote(callCtx, base, qc)
			if err != nil {
				return err
			}
			if !got.Valid() {
				return fmt.Errorf("invalid quote bid=%s ask=%s", got.Bid, got.Ask)
			}
			q = got
			return nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second
		bo.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(e.cfg.QuoteRetries, 0))), ctx)

		if err := backoff.Retry(op, policy); err != nil {
			return nil, model.MarketDataError(fmt.Sprintf("quote %s/%s", base, qc), err)
		}
		quotes[qc] = q
	}
	return quotes, nil
}

// fetchBooks is best effort; a missing book leaves depth strategies without input.
func (e *ArbitrageEngine) fetchBooks(ctx context.Context, base string) map[string]model.OrderBook {
	books := make(map[string]model.OrderBook, len(e.cfg.QuoteCurrencies))
	for _, qc := range e.cfg.QuoteCurrencies {
		callCtx, cancel := e.quoteContext(ctx)
		b, err := e.deps.MarketData.GetOrderBook(callCtx, base, qc, e.depth)
		cancel()
		if err != nil {
			e.logger.Warn("Order book unavailable", "asset", base, "quote", qc, "error", err)
			continue
		}
		books[qc] = b
	}
	return books
}

func (e *ArbitrageEngine) quoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.QuoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.QuoteTimeout)
}

func (e *ArbitrageEngine) observeQuotes(base string, quotes map[string]model.Quote, now time.Time) {
	list := make([]model.Quote, 0, len(quotes))
	for _, qc := range e.cfg.QuoteCurrencies {
		if q, ok := quotes[qc]; ok {
			list = append(list, q)
		}
	}
	e.deps.Risk.ObserveQuotes(list, now)

	if len(list) == 2 {
		spread, _ := model.SpreadPercentage(list[0].Mid(), list[1].Mid()).Float64()
		e.deps.Metrics.Spread.WithLabelValues(base).Set(spread)
	}
}

func (e *ArbitrageEngine) observeAttempt(a model.Attempt) {
	m := e.deps.Metrics
	st := e.deps.State
	m.Attempts.WithLabelValues(a.BaseAsset, string(a.Status)).Inc()
	m.ExecutionDuration.Observe(a.Duration.Seconds())
	pnl, _ := st.DailyPnL().Float64()
	m.DailyPnL.Set(pnl)
	unhedged, _ := st.Unhedged(a.BaseAsset).Float64()
	m.Unhedged.WithLabelValues(a.BaseAsset).Set(unhedged)

	e.logger.Info("Attempt finished",
		"attempt", a.ID,
		"asset", a.BaseAsset,
		"status", a.Status,
		"reason", a.FailureReason,
		"profit", a.Profit,
		"dailyPnL", st.DailyPnL())
}

func (e *ArbitrageEngine) retentionLoop(ctx context.Context) error {
	if e.cfg.HistoryRetentionDays <= 0 {
		return nil
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		if _, err := e.deps.Recorder.Purge(ctx, e.deps.State.Now(), e.cfg.HistoryRetentionDays); err != nil {
			e.logger.Warn("History purge failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *ArbitrageEngine) window(base string) *strategy.Window {
	if w, ok := e.windows[base]; ok {
		return w
	}
	// Only reachable through RunCycle with an unconfigured asset.
	w := strategy.NewWindow(e.cfg.HistoryWindow)
	e.windows[base] = w
	return w
}

// ResetHalt clears a halt. It is the only way to resume after HaltEngine.
func (e *ArbitrageEngine) ResetHalt() (bool, string) {
	halted, reason := e.deps.State.Halted()
	e.deps.State.Reset()
	e.deps.Metrics.Halted.Set(0)
	if halted {
		e.logger.Warn("Engine halt cleared by operator", "reason", reason)
	}
	return halted, reason
}

// ClearUnhedged acknowledges that an asset's unhedged inventory was closed outside the engine.
func (e *ArbitrageEngine) ClearUnhedged(asset string) {
	e.deps.State.ClearUnhedged(asset)
	e.deps.Metrics.Unhedged.WithLabelValues(asset).Set(0)
}

// State returns a snapshot of the engine counters.
func (e *ArbitrageEngine) State() any {
	return e.deps.State.Snapshot()
}
