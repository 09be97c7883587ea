// Package exchange defines the client contract and wire types for the
// perpetual-futures exchange, plus the concrete Backpack REST implementation.
package exchange

import (
	"strconv"
	"strings"
	"time"
)

// Side is the order side on the book.
type Side string

const (
	// SideBid buys (opens/extends a LONG, or reduces a SHORT when reduce-only).
	SideBid Side = "Bid"
	// SideAsk sells (opens/extends a SHORT, or reduces a LONG when reduce-only).
	SideAsk Side = "Ask"
)

// Opposite returns the matching close side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	// OrderTypeLimit is a resting limit order.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket is an immediate market order.
	OrderTypeMarket OrderType = "Market"
)

// OrderStatus mirrors the exchange's order lifecycle states.
type OrderStatus string

const (
	StatusPending         OrderStatus = "Pending"
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusTriggerPending  OrderStatus = "TriggerPending"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusExpired         OrderStatus = "Expired"
)

// IsWorking reports whether an order in this status still rests on the book
// (or waits on a trigger) and can therefore act as protection.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case StatusPending, StatusNew, StatusPartiallyFilled, StatusTriggerPending:
		return true
	default:
		return false
	}
}

// Market is the exchange-provided per-symbol metadata. Prices placed on this
// market must be integer multiples of TickSize; quantities must be multiples
// of StepSize and at least MinQuantity.
type Market struct {
	Symbol          string
	TickSize        string // price granularity, decimal string (e.g. "0.01")
	StepSize        string // quantity granularity, decimal string
	DecimalPrice    int    // max price decimals; callers clamp values > 6
	DecimalQuantity int
	MinQuantity     string
	MakerFee        float64
	MarketType      string // "PERP" for perpetual futures
	OrderBookState  string // "Open" when tradable
}

// MarketTypePerp is the perpetual-futures market type.
const MarketTypePerp = "PERP"

// OrderBookStateOpen marks a market whose book accepts orders.
const OrderBookStateOpen = "Open"

// IsTradablePerp reports whether this market is an open perpetual market.
func (m Market) IsTradablePerp() bool {
	return m.MarketType == MarketTypePerp && m.OrderBookState == OrderBookStateOpen
}

// Candle is a single kline.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarkPrice pairs a symbol with its exchange-published fair price.
type MarkPrice struct {
	Symbol string
	Price  float64
}

// OpenOrder is an order currently known to the exchange.
type OpenOrder struct {
	ID                     string
	ClientID               int64
	Symbol                 string
	Side                   Side
	OrderType              OrderType
	LimitPrice             float64 // zero for pure market orders
	Quantity               float64
	ExecutedQuantity       float64
	ReduceOnly             bool
	PostOnly               bool
	StopLossTriggerPrice   float64 // zero when no stop trigger attached
	TakeProfitTriggerPrice float64
	TriggerPrice           float64 // standalone conditional trigger
	Status                 OrderStatus
	CreatedAt              time.Time
}

// BelongsTo reports whether this order was placed by the bot identified by
// clientOrderIDPrefix and created at or after since. The time guard matters:
// a previous incarnation of the same bot id can leave orders whose client ids
// share the prefix.
func (o OpenOrder) BelongsTo(prefix int, since time.Time) bool {
	if o.ClientID <= 0 || prefix <= 0 {
		return false
	}
	if !strings.HasPrefix(strconv.FormatInt(o.ClientID, 10), strconv.Itoa(prefix)) {
		return false
	}
	return !o.CreatedAt.Before(since)
}

// HasStopLossTrigger reports whether a stop-loss trigger is attached.
func (o OpenOrder) HasStopLossTrigger() bool { return o.StopLossTriggerPrice > 0 }

// HasTakeProfitTrigger reports whether a take-profit trigger is attached.
func (o OpenOrder) HasTakeProfitTrigger() bool { return o.TakeProfitTriggerPrice > 0 }

// IsConditional reports whether the order waits on a standalone trigger.
func (o OpenOrder) IsConditional() bool {
	return o.TriggerPrice > 0 || o.Status == StatusTriggerPending
}

// OpenPosition is a live position snapshot. NetQuantity is signed:
// positive = LONG, negative = SHORT, zero = flat.
type OpenPosition struct {
	Symbol        string
	NetQuantity   float64
	AvgEntryPrice float64
	MarkPrice     float64
	Leverage      float64
}

// IsOpen reports whether the position holds any exposure.
func (p OpenPosition) IsOpen() bool { return p.NetQuantity != 0 }

// IsLong reports a positive net quantity.
func (p OpenPosition) IsLong() bool { return p.NetQuantity > 0 }

// IsShort reports a negative net quantity.
func (p OpenPosition) IsShort() bool { return p.NetQuantity < 0 }

// AbsQuantity returns the unsigned position size.
func (p OpenPosition) AbsQuantity() float64 {
	if p.NetQuantity < 0 {
		return -p.NetQuantity
	}
	return p.NetQuantity
}

// CloseSide returns the side a reduce-only exit order must take.
func (p OpenPosition) CloseSide() Side {
	if p.IsLong() {
		return SideAsk
	}
	return SideBid
}

// Fill is a historical execution.
type Fill struct {
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	ClientID  int64
	Timestamp time.Time
}

// Account aggregates the private account settings the engine needs.
type Account struct {
	Leverage float64
	MakerFee float64
}

// Collateral carries the account's available equity.
type Collateral struct {
	NetEquityAvailable float64
}

// Wire constants for order placement, as defined by the exchange API.
const (
	SelfTradePreventionRejectTaker = "RejectTaker"
	TriggerByLastPrice             = "LastPrice"
	TimeInForceGTC                 = "GTC"
	TimeInForceIOC                 = "IOC"
)

// OrderRequest is the exact body the engine submits to the exchange.
// Quantity and price fields are pre-formatted decimal strings aligned to the
// market's step and tick sizes.
type OrderRequest struct {
	Symbol                 string    `json:"symbol"`
	Side                   Side      `json:"side"`
	OrderType              OrderType `json:"orderType"`
	Quantity               string    `json:"quantity"`
	Price                  string    `json:"price,omitempty"`
	TimeInForce            string    `json:"timeInForce,omitempty"`
	SelfTradePrevention    string    `json:"selfTradePrevention,omitempty"`
	ClientID               int64     `json:"clientId,omitempty"`
	PostOnly               bool      `json:"postOnly,omitempty"`
	ReduceOnly             bool      `json:"reduceOnly,omitempty"`
	StopLossTriggerBy      string    `json:"stopLossTriggerBy,omitempty"`
	StopLossTriggerPrice   string    `json:"stopLossTriggerPrice,omitempty"`
	StopLossLimitPrice     string    `json:"stopLossLimitPrice,omitempty"`
	TakeProfitTriggerBy    string    `json:"takeProfitTriggerBy,omitempty"`
	TakeProfitTriggerPrice string    `json:"takeProfitTriggerPrice,omitempty"`
	TakeProfitLimitPrice   string    `json:"takeProfitLimitPrice,omitempty"`
}

// Credentials authenticates private endpoints for one account.
type Credentials struct {
	APIKey    string
	APISecret string
}
