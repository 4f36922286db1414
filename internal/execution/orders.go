package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"stablearb/internal/model"
)

// cancelAttempts bounds how often a timed-out order is cancelled before it is
// treated as possibly still live.
const cancelAttempts = 3

// fillOutcome is the last known state of an order after waiting on it.
type fillOutcome struct {
	status    model.OrderStatus
	timedOut  bool
	cancelErr error
}

func (e *Executor) placeOrder(ctx context.Context, side model.Side, base, quote string, price, amount decimal.Decimal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.trader.PlaceOrder(ctx, side, base, quote, price, amount)
}

func (e *Executor) orderStatus(ctx context.Context, handle string) (model.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.trader.GetOrderStatus(ctx, handle)
}

func (e *Executor) cancelOrder(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.trader.CancelOrder(ctx, handle)
}

// awaitFill polls handle until the exchange is done with it or order_timeout
// passes. On timeout it cancels and re-reads the status until the order is
// done or cancelAttempts run out, so a fill that raced the cancel is still
// reported.
func (e *Executor) awaitFill(ctx context.Context, log *slog.Logger, handle string) fillOutcome {
	deadline := e.now().Add(e.cfg.OrderTimeout)
	var last model.OrderStatus
	for {
		st, err := e.orderStatus(ctx, handle)
		if err != nil {
			log.Warn("Order status poll failed", "handle", handle, "error", err)
		} else {
			last = st
			if st.State.Done() {
				return fillOutcome{status: st}
			}
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			break
		}
		sleep(min(e.cfg.PollInterval, remaining))
	}

	out := fillOutcome{status: last, timedOut: true}
	bo := e.newBackOff()
	for try := 0; try < cancelAttempts; try++ {
		if try > 0 {
			sleep(bo.NextBackOff())
		}
		out.cancelErr = e.cancelOrder(ctx, handle)
		if st, err := e.orderStatus(ctx, handle); err == nil {
			out.status = st
		} else {
			log.Warn("Order status after cancel failed", "handle", handle, "error", err)
		}
		if out.status.State.Done() {
			break
		}
		log.Warn("Order still live after cancel", "handle", handle, "try", try+1, "cancelError", out.cancelErr)
	}
	log.Info("Order timed out", "handle", handle, "state", out.status.State, "filled", out.status.FilledAmount, "cancelError", out.cancelErr)
	return out
}

// live reports whether the exchange may still fill the order.
func (o fillOutcome) live() bool {
	return !o.status.State.Done()
}
