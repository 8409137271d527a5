// Package types provides shared type definitions for the options engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// TimeInForce represents order duration
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceIOC TimeInForce = "ioc"
)

// OptionType represents call or put
type OptionType string

const (
	OptionTypeCall    OptionType = "call"
	OptionTypePut     OptionType = "put"
	OptionTypeUnknown OptionType = "unknown"
)

// Direction represents directional bias
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// StrategyKind distinguishes tight-exit scalps from wider-exit swings
type StrategyKind string

const (
	StrategyScalp StrategyKind = "scalp"
	StrategySwing StrategyKind = "swing"
)

// Bar represents a single OHLCV bar
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	VWAP      decimal.Decimal `json:"vwap,omitempty"`
}

// Quote represents a bid/ask snapshot for an instrument
type Quote struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Last    decimal.Decimal `json:"last"`
	BidSize int64           `json:"bidSize"`
	AskSize int64           `json:"askSize"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is empty.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// SpreadPct returns (ask-bid)/mid, or 1 when the quote is unusable.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() || !mid.IsPositive() {
		return 1
	}
	spread, _ := q.Ask.Sub(q.Bid).Div(mid).Float64()
	return spread
}

// Greeks holds option sensitivities. Zero values mean unavailable.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionContract is a unified option chain record
type OptionContract struct {
	Symbol          string          `json:"symbol"` // OSI identifier
	Underlying      string          `json:"underlying"`
	Strike          decimal.Decimal `json:"strike"`
	Expiration      time.Time       `json:"expiration"`
	Type            OptionType      `json:"type"`
	OpenInterest    int64           `json:"openInterest"`
	Volume          int64           `json:"volume"`
	ImpliedVol      float64         `json:"impliedVol"`
	Greeks          Greeks          `json:"greeks"`
	GreeksEstimated bool            `json:"greeksEstimated"`
	Quote           Quote           `json:"quote"`
}

// Snapshot is a one-day price snapshot for an instrument
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	ChangePct float64         `json:"changePct"` // daily % change
	Volume    int64           `json:"volume"`
}

// Clock represents market clock state
type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Account represents broker account state
type Account struct {
	Equity        decimal.Decimal `json:"equity"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
	Cash          decimal.Decimal `json:"cash"`
	DaytradeCount int             `json:"daytrade_count"`
}

// Position represents a broker-tracked position
type Position struct {
	Symbol         string          `json:"symbol"`
	Qty            int64           `json:"qty"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC float64         `json:"unrealized_plpc"`
}

// OrderRequest describes an order to submit
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Qty         int64           `json:"qty,omitempty"`
	Notional    decimal.Decimal `json:"notional,omitempty"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
}

// Order represents a submitted order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           int64           `json:"qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TradeState tracks the lifecycle of an open options trade
type TradeState string

const (
	TradeStateOpen        TradeState = "open"
	TradeStateExitPending TradeState = "exit_pending"
	TradeStateClosed      TradeState = "closed"
)

// TrackedTrade mirrors a held option contract with local entry context
type TrackedTrade struct {
	Symbol     string          `json:"symbol"` // OSI
	Underlying string          `json:"underlying"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType OptionType      `json:"optionType"`
	Strategy   StrategyKind    `json:"strategy"`
	Qty        int64           `json:"qty"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	Conviction int             `json:"conviction"`
	Reason     string          `json:"reason"`
	OrderID    string          `json:"orderId"`
	State      TradeState      `json:"state"`
}

// DirectionSignal is the assessor output
type DirectionSignal struct {
	Direction  Direction    `json:"direction"`
	Conviction int          `json:"conviction"` // 1..10 after boosts
	Strategy   StrategyKind `json:"strategy"`
	BullPoints float64      `json:"bullPoints"`
	BearPoints float64      `json:"bearPoints"`
	Reasons    []string     `json:"reasons"`
}

// AIAction is an adjudicator verdict
type AIAction string

const (
	AIActionBuyCall AIAction = "BUY_CALL"
	AIActionBuyPut  AIAction = "BUY_PUT"
	AIActionBuy     AIAction = "BUY"
	AIActionSkip    AIAction = "SKIP"
)

// AIDecision is the structured adjudicator response
type AIDecision struct {
	Action     AIAction `json:"action"`
	Conviction float64  `json:"conviction"`
	Strategy   string   `json:"strategy,omitempty"`
	Target     string   `json:"target,omitempty"`
	StopLevel  string   `json:"stopLevel,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// AlertConfidence grades an external alert
type AlertConfidence string

const (
	AlertConfidenceLow    AlertConfidence = "LOW"
	AlertConfidenceMedium AlertConfidence = "MEDIUM"
	AlertConfidenceHigh   AlertConfidence = "HIGH"
)

// Alert is an external trading alert (webhook payload)
type Alert struct {
	Action     string          `json:"action"` // BUY, SELL, TAKE_PROFIT, ALERT
	Ticker     string          `json:"ticker"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Confidence AlertConfidence `json:"confidence,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Interval   string          `json:"interval,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// ExitIntent describes a monitor-driven exit for an open position
type ExitIntent struct {
	Symbol      string          `json:"symbol"`
	Qty         int64           `json:"qty"`
	Rule        string          `json:"rule"` // first matching exit rule
	PnLPct      float64         `json:"pnlPct"`
	UnrealPL    decimal.Decimal `json:"unrealPl"`
	Strategy    StrategyKind    `json:"strategy,omitempty"`
	TriggeredAt time.Time       `json:"triggeredAt"`
}
