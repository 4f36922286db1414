package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid attempt status transition")
	ErrNotTerminal       = errors.New("attempt is not terminal")
)

// Status is the position of an attempt in the execution graph.
type Status string

const (
	StatusIdentified      Status = "Identified"
	StatusBuyOrderPlaced  Status = "BuyOrderPlaced"
	StatusBuyOrderFilled  Status = "BuyOrderFilled"
	StatusSellOrderPlaced Status = "SellOrderPlaced"
	StatusSellOrderFilled Status = "SellOrderFilled"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusPartialExposure Status = "PartialExposure"
)

// Statuses lists every status in graph order.
var Statuses = []Status{
	StatusIdentified,
	StatusBuyOrderPlaced,
	StatusBuyOrderFilled,
	StatusSellOrderPlaced,
	StatusSellOrderFilled,
	StatusCompleted,
	StatusFailed,
	StatusPartialExposure,
}

// transitions is the forward-only execution graph.
var transitions = map[Status][]Status{
	StatusIdentified:      {StatusBuyOrderPlaced, StatusFailed},
	StatusBuyOrderPlaced:  {StatusBuyOrderFilled, StatusFailed},
	StatusBuyOrderFilled:  {StatusSellOrderPlaced, StatusFailed, StatusPartialExposure},
	StatusSellOrderPlaced: {StatusSellOrderFilled, StatusFailed, StatusPartialExposure},
	StatusSellOrderFilled: {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialExposure:
		return true
	default:
		return false
	}
}

// CanTransition reports whether next directly follows s in the graph.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus maps a persisted status string back to a Status.
func ParseStatus(v string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// FailureReason names why an attempt ended in Failed or PartialExposure.
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonBuySubmitError  FailureReason = "buy_submit_error"
	ReasonBuyTimeout      FailureReason = "buy_timeout"
	ReasonBuyCancelFailed FailureReason = "buy_cancel_failed"
	ReasonBuyRejected     FailureReason = "buy_rejected"
	ReasonSellSubmitError FailureReason = "sell_submit_error"
	ReasonSellTimeout     FailureReason = "sell_timeout"
	ReasonInvalidGraph    FailureReason = "invalid_transition"
)

// Attempt is the durable record of one opportunity's execution.
type Attempt struct {
	ID               string          `db:"id"`
	BaseAsset        string          `db:"base_asset"`
	BuyQuote         string          `db:"buy_quote"`
	SellQuote        string          `db:"sell_quote"`
	BuyPrice         decimal.Decimal `db:"buy_price"`
	SellPrice        decimal.Decimal `db:"sell_price"`
	TradeAmount      decimal.Decimal `db:"trade_amount"`
	Profit           decimal.Decimal `db:"profit"`
	ProfitPercentage decimal.Decimal `db:"profit_percentage"`
	BuyOrderID       string          `db:"buy_order_id"`
	SellOrderID      string          `db:"sell_order_id"`
	Status           Status          `db:"status"`
	StrategyID       string          `db:"strategy_id"`
	FailureReason    FailureReason   `db:"failure_reason"`
	UnhedgedAmount   decimal.Decimal `db:"unhedged_amount"`
	StartTime        time.Time       `db:"start_time"`
	EndTime          time.Time       `db:"end_time"`
	Duration         time.Duration   `db:"duration_ms"`
	CreatedAt        time.Time       `db:"created_at"`
}

// NewAttempt promotes an approved opportunity to an Identified attempt.
func NewAttempt(id string, o Opportunity, now time.Time) *Attempt {
	return &Attempt{
		ID:          id,
		BaseAsset:   o.BaseAsset,
		BuyQuote:    o.BuyQuote,
		SellQuote:   o.SellQuote,
		BuyPrice:    o.BuyPrice,
		SellPrice:   o.SellPrice,
		TradeAmount: o.TradeAmount,
		Status:      StatusIdentified,
		StrategyID:  o.StrategyID,
		StartTime:   now,
		CreatedAt:   now,
	}
}

// Advance moves the attempt to next, refusing anything outside the graph.
func (a *Attempt) Advance(next Status, now time.Time) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	if next.IsTerminal() {
		a.stamp(now)
	}
	return nil
}

// Finish moves the attempt into a terminal status with a reason.
func (a *Attempt) Finish(status Status, reason FailureReason, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	if err := a.Advance(status, now); err != nil {
		return err
	}
	a.FailureReason = reason
	return nil
}

// SetBuyOrderID records the buy handle; a second call is ignored.
func (a *Attempt) SetBuyOrderID(id string) {
	if a.BuyOrderID == "" {
		a.BuyOrderID = id
	}
}

// SetSellOrderID records the sell handle; a second call is ignored.
func (a *Attempt) SetSellOrderID(id string) {
	if a.SellOrderID == "" {
		a.SellOrderID = id
	}
}

// Settle computes profit and profit percentage from actual fills.
func (a *Attempt) Settle(proceeds, cost decimal.Decimal) {
	a.Profit = proceeds.Sub(cost)
	a.ProfitPercentage = ProfitPercentage(a.Profit, a.BuyPrice, a.TradeAmount)
}

func (a *Attempt) stamp(now time.Time) {
	if now.Before(a.StartTime) {
		now = a.StartTime
	}
	a.EndTime = now
	a.Duration = now.Sub(a.StartTime)
}

// Notional is the quote-currency cost of the bought quantity.
func (a Attempt) Notional() decimal.Decimal {
	return a.BuyPrice.Mul(a.TradeAmount)
}

// Delta returns the aggregate contribution of a terminal attempt.
// Failed attempts bought nothing and add no volume.
func (a Attempt) Delta() StatDelta {
	d := StatDelta{
		Trades: 1,
		Profit: a.Profit,
	}
	switch a.Status {
	case StatusCompleted:
		d.SuccessfulTrades = 1
		d.Volume = a.Notional()
	case StatusPartialExposure:
		d.PartialExposureTrades = 1
		d.Volume = a.Notional()
	default:
		d.FailedTrades = 1
	}
	return d
}
