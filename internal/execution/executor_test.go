package execution

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"stablearb/internal/config"
	"stablearb/internal/model"
)

type MockTrader struct {
	mock.Mock
}

func (m *MockTrader) PlaceOrder(ctx context.Context, side model.Side, base, quote string, price, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, side, base, quote, price, amount)
	return args.String(0), args.Error(1)
}

// GetOrderStatus accepts either a fixed status or a func producing one.
func (m *MockTrader) GetOrderStatus(ctx context.Context, handle string) (model.OrderStatus, error) {
	args := m.Called(ctx, handle)
	if fn, ok := args.Get(0).(func() model.OrderStatus); ok {
		return fn(), args.Error(1)
	}
	return args.Get(0).(model.OrderStatus), args.Error(1)
}

func (m *MockTrader) CancelOrder(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testExecutor(trader *MockTrader) *Executor {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewExecutor(logger, trader, config.ExecutionConfig{
		OrderTimeout:         30 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		CallTimeout:          time.Second,
		SellRetries:          2,
		SlippageTolerancePct: d("0.5"),
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	})
}

func btcOpportunity() model.Opportunity {
	return model.NewOpportunity("BTC", "USDT", "USDC", d("30000"), d("30100"), d("0.01"), "simple", time.Now())
}

func filled(handle, amount, price string) model.OrderStatus {
	return model.OrderStatus{Handle: handle, State: model.OrderFilled, FilledAmount: d(amount), AvgPrice: d(price)}
}

func open(handle string) model.OrderStatus {
	return model.OrderStatus{Handle: handle, State: model.OrderNew, FilledAmount: decimal.Zero}
}

func onBuy(m *MockTrader) *mock.Call {
	return m.On("PlaceOrder", mock.Anything, model.SideBuy, "BTC", "USDT", mock.Anything, mock.Anything)
}

func onSell(m *MockTrader) *mock.Call {
	return m.On("PlaceOrder", mock.Anything, model.SideSell, "BTC", "USDC", mock.Anything, mock.Anything)
}

// restingUntilCanceled reports the order open until cancel flips the flag,
// then reports it canceled with the given fill.
func restingUntilCanceled(m *MockTrader, handle, filledAmt string, cancelErr error) {
	var canceled atomic.Bool
	m.On("GetOrderStatus", mock.Anything, handle).Return(func() model.OrderStatus {
		if canceled.Load() {
			return model.OrderStatus{Handle: handle, State: model.OrderCanceled, FilledAmount: d(filledAmt), AvgPrice: d("30000")}
		}
		return open(handle)
	}, nil)
	m.On("CancelOrder", mock.Anything, handle).Run(func(mock.Arguments) {
		if cancelErr == nil {
			canceled.Store(true)
		}
	}).Return(cancelErr)
}

func TestExecute_Completed(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)
	onSell(trader).Return("s1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "s1").Return(filled("s1", "0.01", "30100"), nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.Equal(t, model.ReasonNone, a.FailureReason)
	assert.Equal(t, "b1", a.BuyOrderID)
	assert.Equal(t, "s1", a.SellOrderID)
	assert.Equal(t, "1", a.Profit.String())
	assert.Equal(t, "0.3333", a.ProfitPercentage.StringFixed(4))
	assert.False(t, a.EndTime.Before(a.StartTime))
	assert.NotEmpty(t, a.ID)
	trader.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
	trader.AssertExpectations(t)
}

func TestExecute_IgnoresCallerCancellation(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)
	onSell(trader).Return("s1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "s1").Return(filled("s1", "0.01", "30100"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := testExecutor(trader).Execute(ctx, btcOpportunity())
	assert.Equal(t, model.StatusCompleted, a.Status)
}

func TestExecute_BuySubmitError(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("", errors.New("insufficient balance")).Once()

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, model.ReasonBuySubmitError, a.FailureReason)
	assert.Empty(t, a.BuyOrderID)
	trader.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_BuyTimeoutCanceled(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	restingUntilCanceled(trader, "b1", "0", nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, model.ReasonBuyTimeout, a.FailureReason)
	assert.Equal(t, "b1", a.BuyOrderID)
	assert.Empty(t, a.SellOrderID)
	trader.AssertCalled(t, "CancelOrder", mock.Anything, "b1")
	trader.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_BuyCancelFailedKeepsLiveOrderAsExposure(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	restingUntilCanceled(trader, "b1", "0", errors.New("exchange unavailable"))

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusPartialExposure, a.Status)
	assert.Equal(t, model.ReasonBuyCancelFailed, a.FailureReason)
	assert.Equal(t, "0.01", a.UnhedgedAmount.String(), "the resting order may still fill")
	assert.Equal(t, "0.01", a.TradeAmount.String())
	assert.Equal(t, "30000", a.BuyPrice.String())
	assert.True(t, a.Profit.IsZero())
	assert.Empty(t, a.SellOrderID)
	trader.AssertNumberOfCalls(t, "CancelOrder", cancelAttempts)
	trader.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_BuyCancelFailedKeepsPartialFillAndRemainder(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(model.OrderStatus{
		Handle: "b1", State: model.OrderPartiallyFilled, FilledAmount: d("0.004"), AvgPrice: d("29990"),
	}, nil)
	trader.On("CancelOrder", mock.Anything, "b1").Return(errors.New("exchange unavailable"))

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusPartialExposure, a.Status)
	assert.Equal(t, model.ReasonBuyCancelFailed, a.FailureReason)
	assert.Equal(t, "0.01", a.UnhedgedAmount.String())
	// 0.004 filled at 29990 plus 0.006 still resting at 30000.
	assert.Equal(t, "29996", a.BuyPrice.String())
}

func TestExecute_BuyCancelRetriedUntilDone(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	var canceled atomic.Bool
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(func() model.OrderStatus {
		if canceled.Load() {
			return model.OrderStatus{Handle: "b1", State: model.OrderCanceled, FilledAmount: decimal.Zero}
		}
		return open("b1")
	}, nil)
	trader.On("CancelOrder", mock.Anything, "b1").Return(errors.New("busy")).Once()
	trader.On("CancelOrder", mock.Anything, "b1").Run(func(mock.Arguments) { canceled.Store(true) }).Return(nil).Once()

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, model.ReasonBuyTimeout, a.FailureReason)
	assert.True(t, a.UnhedgedAmount.IsZero())
	trader.AssertNumberOfCalls(t, "CancelOrder", 2)
}

func TestExecute_BuyFillRacingFailedCancelProceeds(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	var cancels atomic.Int32
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(func() model.OrderStatus {
		if cancels.Load() >= 2 {
			return filled("b1", "0.01", "30000")
		}
		return open("b1")
	}, nil)
	trader.On("CancelOrder", mock.Anything, "b1").Run(func(mock.Arguments) { cancels.Add(1) }).Return(errors.New("order not cancelable"))
	onSell(trader).Return("s1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "s1").Return(filled("s1", "0.01", "30100"), nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.Equal(t, "1", a.Profit.String())
	trader.AssertNumberOfCalls(t, "CancelOrder", 2)
}

func TestExecute_BuyRejected(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(model.OrderStatus{Handle: "b1", State: model.OrderRejected}, nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusFailed, a.Status)
	assert.Equal(t, model.ReasonBuyRejected, a.FailureReason)
}

func TestExecute_PartialBuyFillSellsOnlyFilledQuantity(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	restingUntilCanceled(trader, "b1", "0.004", nil)

	var soldAmount decimal.Decimal
	onSell(trader).Run(func(args mock.Arguments) {
		soldAmount = args.Get(5).(decimal.Decimal)
	}).Return("s1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "s1").Return(filled("s1", "0.004", "30100"), nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.True(t, soldAmount.Equal(d("0.004")), "sold %s", soldAmount)
	assert.True(t, a.TradeAmount.Equal(d("0.004")))
	assert.Equal(t, "0.4", a.Profit.String())
}

func TestExecute_SellSubmitErrorLeavesExposure(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)
	onSell(trader).Return("", errors.New("market closed")).Once()

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusPartialExposure, a.Status)
	assert.Equal(t, model.ReasonSellSubmitError, a.FailureReason)
	assert.True(t, a.UnhedgedAmount.Equal(d("0.01")))
	assert.True(t, a.Profit.IsZero())
	assert.Empty(t, a.SellOrderID)
}

func TestExecute_SellTimeoutRetriesDownToFloor(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)

	var (
		mu     sync.Mutex
		prices []decimal.Decimal
	)
	record := func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		prices = append(prices, args.Get(4).(decimal.Decimal))
	}
	onSell(trader).Run(record).Return("s1", nil).Once()
	onSell(trader).Run(record).Return("s2", nil).Once()
	onSell(trader).Run(record).Return("s3", nil).Once()
	restingUntilCanceled(trader, "s1", "0", nil)
	restingUntilCanceled(trader, "s2", "0", nil)
	restingUntilCanceled(trader, "s3", "0", nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusPartialExposure, a.Status)
	assert.Equal(t, model.ReasonSellTimeout, a.FailureReason)
	assert.True(t, a.UnhedgedAmount.Equal(d("0.01")))
	assert.Equal(t, "s1", a.SellOrderID)

	require.Len(t, prices, 3)
	assert.Equal(t, "30100", prices[0].String())
	assert.Equal(t, "30024.75", prices[1].String())
	assert.Equal(t, "29949.5", prices[2].String())
}

func TestExecute_SellRetryCompletes(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)
	onSell(trader).Return("s1", nil).Once()
	onSell(trader).Return("s2", nil).Once()
	restingUntilCanceled(trader, "s1", "0", nil)
	trader.On("GetOrderStatus", mock.Anything, "s2").Return(filled("s2", "0.01", "30050"), nil)

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.Equal(t, "s1", a.SellOrderID)
	assert.Equal(t, "30050", a.SellPrice.String())
	assert.Equal(t, "0.5", a.Profit.String())
}

func TestExecute_SellCancelFailureStopsRetries(t *testing.T) {
	trader := new(MockTrader)
	onBuy(trader).Return("b1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.01", "30000"), nil)
	onSell(trader).Return("s1", nil).Once()
	restingUntilCanceled(trader, "s1", "0", errors.New("timeout"))

	a := testExecutor(trader).Execute(context.Background(), btcOpportunity())

	assert.Equal(t, model.StatusPartialExposure, a.Status)
	assert.Equal(t, model.ReasonSellTimeout, a.FailureReason)
	trader.AssertNumberOfCalls(t, "PlaceOrder", 2)
}

func TestExecute_SlicedBuy(t *testing.T) {
	trader := new(MockTrader)
	opp := btcOpportunity()
	opp.Slices = 2
	opp.SliceInterval = time.Millisecond

	onBuy(trader).Return("b1", nil).Once()
	onBuy(trader).Return("b2", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "b1").Return(filled("b1", "0.005", "30000"), nil)
	trader.On("GetOrderStatus", mock.Anything, "b2").Return(filled("b2", "0.005", "30010"), nil)
	onSell(trader).Return("s1", nil).Once()
	trader.On("GetOrderStatus", mock.Anything, "s1").Return(filled("s1", "0.01", "30100"), nil)

	a := testExecutor(trader).Execute(context.Background(), opp)

	assert.Equal(t, model.StatusCompleted, a.Status)
	assert.Equal(t, "b1", a.BuyOrderID)
	assert.Equal(t, "30005", a.BuyPrice.String())
	assert.Equal(t, "0.95", a.Profit.String())
}

func TestSplitAmount(t *testing.T) {
	parts := splitAmount(d("0.01"), 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "0.00333333", parts[0].String())
	assert.Equal(t, "0.00333334", parts[2].String())

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
	}
	assert.True(t, sum.Equal(d("0.01")))

	assert.Len(t, splitAmount(d("0.01"), 1), 1)
	assert.Len(t, splitAmount(d("0.00000001"), 4), 1)
}

func TestStepPrice(t *testing.T) {
	assert.Equal(t, "100", stepPrice(d("100"), d("99"), 0, 4).String())
	assert.Equal(t, "99.5", stepPrice(d("100"), d("99"), 2, 4).String())
	assert.Equal(t, "99", stepPrice(d("100"), d("99"), 4, 4).String())
	assert.Equal(t, "99", stepPrice(d("100"), d("99"), 1, 0).String())
}
