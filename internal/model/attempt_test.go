package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpportunity() Opportunity {
	return NewOpportunity("BTC", "USDT", "USDC",
		decimal.RequireFromString("30000"), decimal.RequireFromString("30050"),
		decimal.RequireFromString("0.01"), "simple", time.Unix(1700000000, 0))
}

func TestNewOpportunity_Prices(t *testing.T) {
	o := testOpportunity()
	assert.True(t, o.ExpectedProfit.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "0.1667", o.ExpectedProfitPercentage.StringFixed(4))
	assert.True(t, o.Notional().Equal(decimal.RequireFromString("300")))
	assert.Equal(t, 1, o.Slices)
}

func TestAttempt_ForwardGraph(t *testing.T) {
	start := time.Unix(1700000000, 0)
	a := NewAttempt("a1", testOpportunity(), start)

	path := []Status{StatusBuyOrderPlaced, StatusBuyOrderFilled, StatusSellOrderPlaced, StatusSellOrderFilled, StatusCompleted}
	for i, s := range path {
		require.NoError(t, a.Advance(s, start.Add(time.Duration(i+1)*time.Second)))
	}
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, 5*time.Second, a.Duration)
	assert.False(t, a.EndTime.Before(a.StartTime))

	err := a.Advance(StatusFailed, start.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, a.Status)
}

func TestAttempt_NoSkippingOrRegressing(t *testing.T) {
	a := NewAttempt("a2", testOpportunity(), time.Now())
	assert.ErrorIs(t, a.Advance(StatusBuyOrderFilled, time.Now()), ErrInvalidTransition)
	require.NoError(t, a.Advance(StatusBuyOrderPlaced, time.Now()))
	assert.ErrorIs(t, a.Advance(StatusIdentified, time.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, a.Advance(StatusPartialExposure, time.Now()), ErrInvalidTransition)
}

func TestAttempt_FailedReachableFromEveryNonTerminal(t *testing.T) {
	for _, s := range Statuses {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, s.CanTransition(StatusFailed), "%s -> Failed", s)
	}
}

func TestAttempt_FinishRequiresTerminal(t *testing.T) {
	a := NewAttempt("a3", testOpportunity(), time.Now())
	assert.ErrorIs(t, a.Finish(StatusBuyOrderPlaced, ReasonNone, time.Now()), ErrNotTerminal)
	require.NoError(t, a.Finish(StatusFailed, ReasonBuySubmitError, time.Now()))
	assert.Equal(t, ReasonBuySubmitError, a.FailureReason)
}

func TestAttempt_EndTimeNeverBeforeStart(t *testing.T) {
	start := time.Unix(1700000000, 0)
	a := NewAttempt("a4", testOpportunity(), start)
	require.NoError(t, a.Finish(StatusFailed, ReasonBuySubmitError, start.Add(-time.Second)))
	assert.Equal(t, start, a.EndTime)
	assert.Zero(t, a.Duration)
}

func TestAttempt_OrderIDsSetOnce(t *testing.T) {
	a := NewAttempt("a5", testOpportunity(), time.Now())
	a.SetBuyOrderID("b-1")
	a.SetBuyOrderID("b-2")
	a.SetSellOrderID("s-1")
	a.SetSellOrderID("s-2")
	assert.Equal(t, "b-1", a.BuyOrderID)
	assert.Equal(t, "s-1", a.SellOrderID)
}

func TestAttempt_SettleProfitPercentage(t *testing.T) {
	a := NewAttempt("a6", testOpportunity(), time.Now())
	filled := decimal.RequireFromString("0.01")
	a.TradeAmount = filled
	a.BuyPrice = decimal.RequireFromString("30000")
	a.SellPrice = decimal.RequireFromString("30050")
	a.Settle(a.SellPrice.Mul(filled), a.BuyPrice.Mul(filled))

	want := a.SellPrice.Mul(filled).Sub(a.BuyPrice.Mul(filled)).Div(a.BuyPrice.Mul(filled)).Mul(decimal.NewFromInt(100))
	assert.True(t, a.ProfitPercentage.Sub(want).Abs().LessThan(decimal.RequireFromString("0.000001")))
	assert.True(t, a.Profit.Equal(decimal.RequireFromString("0.5")))
}

func TestAttempt_DeltaKeepsPartialExposureDistinct(t *testing.T) {
	cases := []struct {
		status Status
		want   StatDelta
	}{
		{StatusCompleted, StatDelta{Trades: 1, SuccessfulTrades: 1}},
		{StatusFailed, StatDelta{Trades: 1, FailedTrades: 1}},
		{StatusPartialExposure, StatDelta{Trades: 1, PartialExposureTrades: 1}},
	}
	for _, c := range cases {
		d := Attempt{Status: c.status}.Delta()
		assert.Equal(t, c.want.SuccessfulTrades, d.SuccessfulTrades, c.status)
		assert.Equal(t, c.want.FailedTrades, d.FailedTrades, c.status)
		assert.Equal(t, c.want.PartialExposureTrades, d.PartialExposureTrades, c.status)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("win_rate")
	assert.Error(t, err)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("cycle: %w", MarketDataError("get quote", errors.New("timeout")))
	assert.True(t, IsKind(err, KindMarketData))
	assert.False(t, IsKind(err, KindConfiguration))
	assert.Contains(t, err.Error(), "market_data: get quote: timeout")
}
