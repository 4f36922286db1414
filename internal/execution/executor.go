package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"stablearb/internal/config"
	"stablearb/internal/exchange"
	"stablearb/internal/model"
)

const pricePlaces = 8

// Executor drives an approved opportunity through the two-leg state machine.
type Executor struct {
	logger *slog.Logger
	trader exchange.Trader
	cfg    config.ExecutionConfig
	now    func() time.Time
	newID  func() string
}

// NewExecutor creates an Executor that trades through trader.
func NewExecutor(logger *slog.Logger, trader exchange.Trader, cfg config.ExecutionConfig) *Executor {
	return &Executor{
		logger: logger,
		trader: trader,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Execute runs opp to exactly one terminal state and returns the attempt.
// It ignores cancellation of ctx: once the buy leg is live the attempt must
// finish, and every exchange call carries its own timeout instead.
func (e *Executor) Execute(ctx context.Context, opp model.Opportunity) *model.Attempt {
	ctx = context.WithoutCancel(ctx)
	a := model.NewAttempt(e.newID(), opp, e.now())
	log := e.logger.With("attempt", a.ID, "asset", a.BaseAsset, "strategy", a.StrategyID)

	log.Info("Starting arbitrage attempt",
		"buyQuote", a.BuyQuote, "sellQuote", a.SellQuote,
		"buyPrice", a.BuyPrice, "sellPrice", a.SellPrice, "amount", a.TradeAmount)

	bought, cost, ok := e.buyLeg(ctx, log, a, opp)
	if !ok {
		return a
	}
	e.sellLeg(ctx, log, a, opp, bought, cost)
	return a
}

// buyLeg places the buy order, segmented when opp asks for slices, and waits
// for fills. On failure the attempt is finished and ok is false.
func (e *Executor) buyLeg(ctx context.Context, log *slog.Logger, a *model.Attempt, opp model.Opportunity) (bought, cost decimal.Decimal, ok bool) {
	slices := splitAmount(opp.TradeAmount, opp.Slices)
	reason := model.ReasonBuyTimeout

	for i, amount := range slices {
		if i > 0 {
			sleep(opp.SliceInterval)
		}

		handle, err := e.placeOrder(ctx, model.SideBuy, a.BaseAsset, a.BuyQuote, opp.BuyPrice, amount)
		if err != nil {
			if i == 0 {
				log.Error("Buy order submission failed", "error", model.OrderError("place buy", err))
				e.finish(log, a, model.StatusFailed, model.ReasonBuySubmitError)
				return decimal.Zero, decimal.Zero, false
			}
			log.Warn("Buy slice submission failed, stopping slicing", "slice", i+1, "of", len(slices), "error", err)
			break
		}
		if i == 0 {
			a.SetBuyOrderID(handle)
			e.advance(log, a, model.StatusBuyOrderPlaced)
		}

		out := e.awaitFill(ctx, log, handle)
		st := out.status
		if st.FilledAmount.IsPositive() {
			bought = bought.Add(st.FilledAmount)
			cost = cost.Add(st.FilledAmount.Mul(st.AvgPrice))
		}
		if st.State == model.OrderFilled {
			continue
		}
		if out.timedOut && out.live() {
			log.Error("Buy order still live after cancel attempts", "handle", handle, "state", st.State, "cancelError", out.cancelErr)
			e.holdLiveBuy(log, a, opp, bought, cost, amount.Sub(st.FilledAmount))
			return decimal.Zero, decimal.Zero, false
		}

		switch {
		case out.timedOut && out.cancelErr != nil:
			reason = model.ReasonBuyCancelFailed
			log.Error("Buy order cancel failed after timeout", "handle", handle, "error", model.OrderError("cancel buy", out.cancelErr))
		case out.timedOut:
			reason = model.ReasonBuyTimeout
		default:
			reason = model.ReasonBuyRejected
		}
		if len(slices) > 1 {
			log.Warn("Buy slice not fully filled, stopping slicing", "slice", i+1, "of", len(slices), "state", st.State)
		}
		break
	}

	if !bought.IsPositive() {
		e.finish(log, a, model.StatusFailed, reason)
		return decimal.Zero, decimal.Zero, false
	}

	a.TradeAmount = bought
	a.BuyPrice = cost.Div(bought).Round(pricePlaces)
	e.advance(log, a, model.StatusBuyOrderFilled)
	log.Info("Buy leg filled", "amount", bought, "avgPrice", a.BuyPrice)
	return bought, cost, true
}

// holdLiveBuy ends an attempt whose buy order could not be confirmed dead.
// The unconfirmed remainder is counted as held at the limit price, so the
// exposure stays tracked until an operator clears it.
func (e *Executor) holdLiveBuy(log *slog.Logger, a *model.Attempt, opp model.Opportunity, bought, cost, outstanding decimal.Decimal) {
	held := bought.Add(decimal.Max(outstanding, decimal.Zero))
	if !held.IsPositive() {
		e.finish(log, a, model.StatusFailed, model.ReasonBuyCancelFailed)
		return
	}
	a.TradeAmount = held
	a.BuyPrice = cost.Add(held.Sub(bought).Mul(opp.BuyPrice)).Div(held).Round(pricePlaces)
	e.advance(log, a, model.StatusBuyOrderFilled)
	e.settlePartial(log, a, held, decimal.Zero, decimal.Zero, held, model.ReasonBuyCancelFailed)
}

// sellLeg sells exactly what was bought. Unsold remainders are re-offered at
// prices stepping down toward the slippage floor with exponential backoff.
func (e *Executor) sellLeg(ctx context.Context, log *slog.Logger, a *model.Attempt, opp model.Opportunity, bought, cost decimal.Decimal) {
	floor := opp.SellPrice.Mul(decimal.NewFromInt(1).Sub(e.cfg.SlippageTolerancePct.Div(decimal.NewFromInt(100))))
	bo := e.newBackOff()

	remaining := bought
	var sold, proceeds decimal.Decimal
	for try := 0; try <= e.cfg.SellRetries && remaining.IsPositive(); try++ {
		price := opp.SellPrice
		if try > 0 {
			wait := bo.NextBackOff()
			price = stepPrice(opp.SellPrice, floor, try, e.cfg.SellRetries)
			log.Warn("Retrying sell remainder", "try", try, "remaining", remaining, "price", price, "after", wait)
			sleep(wait)
		}

		handle, err := e.placeOrder(ctx, model.SideSell, a.BaseAsset, a.SellQuote, price, remaining)
		if err != nil {
			log.Error("Sell order submission failed", "error", model.OrderError("place sell", err))
			e.settlePartial(log, a, bought, sold, proceeds, remaining, model.ReasonSellSubmitError)
			return
		}
		if try == 0 {
			a.SetSellOrderID(handle)
			e.advance(log, a, model.StatusSellOrderPlaced)
		}

		out := e.awaitFill(ctx, log, handle)
		if filled := decimal.Min(out.status.FilledAmount, remaining); filled.IsPositive() {
			sold = sold.Add(filled)
			proceeds = proceeds.Add(filled.Mul(out.status.AvgPrice))
			remaining = remaining.Sub(filled)
		}
		if out.timedOut && out.cancelErr != nil && remaining.IsPositive() {
			// The order may still be live, so re-offering could oversell.
			log.Error("Sell order cancel failed after timeout", "handle", handle, "error", model.OrderError("cancel sell", out.cancelErr))
			break
		}
	}

	if remaining.IsPositive() {
		e.settlePartial(log, a, bought, sold, proceeds, remaining, model.ReasonSellTimeout)
		return
	}

	a.SellPrice = proceeds.Div(sold).Round(pricePlaces)
	a.Settle(proceeds, cost)
	e.advance(log, a, model.StatusSellOrderFilled)
	e.finish(log, a, model.StatusCompleted, model.ReasonNone)
	log.Info("Arbitrage attempt completed",
		"profit", a.Profit, "profitPercentage", a.ProfitPercentage.StringFixed(4), "duration", a.Duration)
}

// settlePartial ends the attempt with inventory still held. Profit covers only the sold part.
func (e *Executor) settlePartial(log *slog.Logger, a *model.Attempt, bought, sold, proceeds, remaining decimal.Decimal, reason model.FailureReason) {
	if sold.IsPositive() {
		a.SellPrice = proceeds.Div(sold).Round(pricePlaces)
	}
	a.Settle(proceeds, a.BuyPrice.Mul(sold))
	a.UnhedgedAmount = remaining
	e.finish(log, a, model.StatusPartialExposure, reason)
	log.Error("Attempt left unhedged inventory",
		"alert", "critical",
		"reason", reason,
		"bought", bought,
		"sold", sold,
		"unhedged", remaining,
		"unhedgedNotional", remaining.Mul(a.BuyPrice))
}

func (e *Executor) advance(log *slog.Logger, a *model.Attempt, next model.Status) {
	if err := a.Advance(next, e.now()); err != nil {
		log.Error("Rejected attempt transition", "error", err)
		e.finish(log, a, model.StatusFailed, model.ReasonInvalidGraph)
	}
}

func (e *Executor) finish(log *slog.Logger, a *model.Attempt, status model.Status, reason model.FailureReason) {
	if err := a.Finish(status, reason, e.now()); err != nil {
		log.Error("Could not finish attempt", "status", status, "reason", reason, "error", err)
	}
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitialInterval > 0 {
		bo.InitialInterval = e.cfg.RetryInitialInterval
	}
	if e.cfg.RetryMaxInterval > 0 {
		bo.MaxInterval = e.cfg.RetryMaxInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// splitAmount divides amount into n equal parts truncated to 8 places; the last part takes the remainder.
func splitAmount(amount decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{amount}
	}
	part := amount.Div(decimal.NewFromInt(int64(n))).Truncate(pricePlaces)
	if !part.IsPositive() {
		return []decimal.Decimal{amount}
	}
	out := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		out[i] = part
	}
	out[n-1] = amount.Sub(part.Mul(decimal.NewFromInt(int64(n - 1))))
	return out
}

// stepPrice moves linearly from start to floor over n retries.
func stepPrice(start, floor decimal.Decimal, try, n int) decimal.Decimal {
	if n <= 0 || try >= n {
		return floor
	}
	step := start.Sub(floor).Mul(decimal.NewFromInt(int64(try))).Div(decimal.NewFromInt(int64(n)))
	return start.Sub(step).Round(pricePlaces)
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
