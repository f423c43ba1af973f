package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce controls what happens to the unfilled part of an order.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Fill is a single execution against a book level. Immutable once appended.
type Fill struct {
	TradeID         int64           `json:"tradeId"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            time.Time       `json:"time"`
}

// Order is an immutable order value. State transitions produce a new value
// rather than mutating in place.
type Order struct {
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	Type               OrderType       `json:"type"`
	Status             OrderStatus     `json:"status"`
	TimeInForce        TimeInForce     `json:"timeInForce"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	Price              decimal.Decimal `json:"price"`
	StopPrice          decimal.Decimal `json:"stopPrice"`
	AvgPrice           decimal.Decimal `json:"avgPrice"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulativeQuoteQty"`
	Fills              []Fill          `json:"fills"`
	Time               time.Time       `json:"time"`
	UpdateTime         time.Time       `json:"updateTime"`
	RejectReason       string          `json:"rejectReason,omitempty"`
}

// RemainingQty is the still-unfilled quantity.
func (o Order) RemainingQty() decimal.Decimal {
	return o.OrigQty.Sub(o.ExecutedQty)
}

// OrderRequest is a submission from the caller, prices and quantities as the
// caller typed them.
type OrderRequest struct {
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"timeInForce"`
	Quantity      string      `json:"quantity"`
	Price         string      `json:"price"`
	StopPrice     string      `json:"stopPrice"`
}

// OrderResponse is the tagged result of submit/cancel calls. Expected
// failures are carried here, never as errors.
type OrderResponse struct {
	Success bool        `json:"success"`
	Order   *Order      `json:"order,omitempty"`
	Error   *OrderError `json:"error,omitempty"`
}

// OrderError carries a machine-readable failure code.
type OrderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ErrCodeValidation    = "VALIDATION_FAILED"
	ErrCodeMarketClosed  = "MARKET_CLOSED"
	ErrCodeBookNotSynced = "BOOK_NOT_SYNCED"
	ErrCodeOrderNotFound = "ORDER_NOT_FOUND"
	ErrCodeCannotCancel  = "CANNOT_CANCEL"
)

// ValidationError describes one failed check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ValidationResult accumulates the errors of the first failing category.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// SymbolRules is the static trading-rule metadata for one symbol, provided
// by an external collaborator.
type SymbolRules struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"baseAsset"`
	QuoteAsset  string          `json:"quoteAsset"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// Balances is the caller's spendable balance for one symbol's asset pair.
type Balances struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
}

// ExecutionRecord is one fill flattened for archival.
type ExecutionRecord struct {
	OrderID         int64
	ClientOrderID   string
	Symbol          string
	Side            string
	OrderType       string
	TradeID         int64
	Price           float64
	Quantity        float64
	Commission      float64
	CommissionAsset string
	IsMaker         bool
	Time            time.Time
}
