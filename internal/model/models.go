package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Side is the direction of an order leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Quote is the top of book for one (base, quote) market at a point in time.
type Quote struct {
	BaseAsset     string
	QuoteCurrency string
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	Timestamp     time.Time
}

// Symbol returns the exchange symbol, e.g. BTCUSDT.
func (q Quote) Symbol() string {
	return q.BaseAsset + q.QuoteCurrency
}

// Mid returns the midpoint between bid and ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Valid reports whether both sides carry a positive price.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook is a depth snapshot, bids descending and asks ascending.
type OrderBook struct {
	BaseAsset     string
	QuoteCurrency string
	Bids          []BookLevel
	Asks          []BookLevel
	Timestamp     time.Time
}

// Opportunity is a detected, not yet executed, cross-quote trade.
type Opportunity struct {
	BaseAsset                string
	BuyQuote                 string
	SellQuote                string
	BuyPrice                 decimal.Decimal
	SellPrice                decimal.Decimal
	TradeAmount              decimal.Decimal
	ExpectedProfit           decimal.Decimal
	ExpectedProfitPercentage decimal.Decimal
	StrategyID               string
	// Slices > 1 asks the executor to segment the buy leg.
	Slices        int
	SliceInterval time.Duration
	DetectedAt    time.Time
}

// NewOpportunity prices an opportunity from the two leg prices and a base amount.
func NewOpportunity(base, buyQuote, sellQuote string, buyPrice, sellPrice, amount decimal.Decimal, strategyID string, at time.Time) Opportunity {
	o := Opportunity{
		BaseAsset:   base,
		BuyQuote:    buyQuote,
		SellQuote:   sellQuote,
		BuyPrice:    buyPrice,
		SellPrice:   sellPrice,
		TradeAmount: amount,
		StrategyID:  strategyID,
		Slices:      1,
		DetectedAt:  at,
	}
	o.Reprice()
	return o
}

// Reprice recomputes the expected profit fields after prices or amount change.
func (o *Opportunity) Reprice() {
	o.ExpectedProfit = o.SellPrice.Sub(o.BuyPrice).Mul(o.TradeAmount)
	o.ExpectedProfitPercentage = SpreadPercentage(o.BuyPrice, o.SellPrice)
}

// Notional is the quote-currency cost of the buy leg.
func (o Opportunity) Notional() decimal.Decimal {
	return o.BuyPrice.Mul(o.TradeAmount)
}

// SpreadPercentage returns (sell-buy)/buy*100, or zero for a non-positive buy price.
func SpreadPercentage(buy, sell decimal.Decimal) decimal.Decimal {
	if !buy.IsPositive() {
		return decimal.Zero
	}
	return sell.Sub(buy).Div(buy).Mul(hundred)
}

// ProfitPercentage returns profit/(buyPrice*amount)*100, or zero when the cost is zero.
func ProfitPercentage(profit, buyPrice, amount decimal.Decimal) decimal.Decimal {
	cost := buyPrice.Mul(amount)
	if cost.IsZero() {
		return decimal.Zero
	}
	return profit.Div(cost).Mul(hundred)
}

// OrderState is the exchange-side lifecycle of a single order.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
)

// Done reports whether the exchange will not fill the order any further.
func (s OrderState) Done() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OrderStatus is the polled view of an order.
type OrderStatus struct {
	Handle       string
	State        OrderState
	FilledAmount decimal.Decimal
	AvgPrice     decimal.Decimal
}

// StatDelta is the additive contribution of one terminal attempt to the aggregates.
type StatDelta struct {
	Trades                int64
	SuccessfulTrades      int64
	FailedTrades          int64
	PartialExposureTrades int64
	Profit                decimal.Decimal
	Volume                decimal.Decimal
}

// DailyStat aggregates attempts by calendar date (YYYY-MM-DD).
type DailyStat struct {
	Date                  string          `db:"date"`
	Trades                int64           `db:"trades"`
	SuccessfulTrades      int64           `db:"successful_trades"`
	FailedTrades          int64           `db:"failed_trades"`
	PartialExposureTrades int64           `db:"partial_exposure_trades"`
	TotalProfit           decimal.Decimal `db:"total_profit"`
	TotalVolume           decimal.Decimal `db:"total_volume"`
}

// AssetStat aggregates attempts by base asset.
type AssetStat struct {
	Asset                 string          `db:"asset"`
	Trades                int64           `db:"trades"`
	SuccessfulTrades      int64           `db:"successful_trades"`
	FailedTrades          int64           `db:"failed_trades"`
	PartialExposureTrades int64           `db:"partial_exposure_trades"`
	TotalProfit           decimal.Decimal `db:"total_profit"`
	TotalVolume           decimal.Decimal `db:"total_volume"`
}

// Apply adds a delta to the daily counters.
func (s *DailyStat) Apply(d StatDelta) {
	s.Trades += d.Trades
	s.SuccessfulTrades += d.SuccessfulTrades
	s.FailedTrades += d.FailedTrades
	s.PartialExposureTrades += d.PartialExposureTrades
	s.TotalProfit = s.TotalProfit.Add(d.Profit)
	s.TotalVolume = s.TotalVolume.Add(d.Volume)
}

// Apply adds a delta to the asset counters.
func (s *AssetStat) Apply(d StatDelta) {
	s.Trades += d.Trades
	s.SuccessfulTrades += d.SuccessfulTrades
	s.FailedTrades += d.FailedTrades
	s.PartialExposureTrades += d.PartialExposureTrades
	s.TotalProfit = s.TotalProfit.Add(d.Profit)
	s.TotalVolume = s.TotalVolume.Add(d.Volume)
}
