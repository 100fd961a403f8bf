// Package domain defines the core types shared across the trading engine:
// signals, orders, trades, positions, and the error taxonomy used by every
// other package.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the exit direction for an entry in this direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType identifies how an order executes at the venue.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "SL-LIMIT"
	OrderTypeStopMarket OrderType = "SL-MARKET"
)

// IsStop reports whether the order type carries a trigger price.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopLimit || t == OrderTypeStopMarket
}

// Product is the broker product/margin bucket an order books against.
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday
	ProductNRML Product = "NRML" // overnight derivatives
	ProductCNC  Product = "CNC"  // delivery
	ProductCO   Product = "CO"   // cover order
)

// OrderStatus is the lifecycle state of an order.
//
// CREATED → OPEN → {TRIGGER_PENDING → OPEN} → COMPLETE | CANCELLED | REJECTED
type OrderStatus string

const (
	OrderStatusCreated        OrderStatus = "CREATED"
	OrderStatusOpen           OrderStatus = "OPEN"
	OrderStatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	OrderStatusComplete       OrderStatus = "COMPLETE"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRejected       OrderStatus = "REJECTED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRole is the function an order serves for its position.
type OrderRole string

const (
	OrderRoleEntry    OrderRole = "ENTRY"
	OrderRoleStopLoss OrderRole = "STOP_LOSS"
	OrderRoleTarget   OrderRole = "TARGET"
	// OrderRoleExit marks the market order placed by a direct exit command;
	// its fills close the position with reason MANUAL_EXIT.
	OrderRoleExit OrderRole = "EXIT"
)

// SignalType is the closed set of signal variants accepted at intake.
type SignalType string

const (
	SignalTypeEntry        SignalType = "ENTRY"
	SignalTypeExit         SignalType = "EXIT"
	SignalTypeModifyStop   SignalType = "MODIFY_STOP"
	SignalTypeModifyTarget SignalType = "MODIFY_TARGET"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionPendingOpen PositionStatus = "PENDING_OPEN"
	PositionActive      PositionStatus = "ACTIVE"
	PositionClosed      PositionStatus = "CLOSED"
)

// CloseReason records which event closed a position.
type CloseReason string

const (
	CloseReasonSLHit      CloseReason = "SL_HIT"
	CloseReasonTargetHit  CloseReason = "TARGET_HIT"
	CloseReasonManualExit CloseReason = "MANUAL_EXIT"
	CloseReasonExpired    CloseReason = "EXPIRED"
)

// RejectCode is a broker-equivalent rejection code. The mapping from code to
// user-facing reason is an injectable table, not ambient state (see
// broker.ReasonTable).
type RejectCode string

const (
	RejectInsufficientMargin RejectCode = "INSUFFICIENT_MARGIN"
	RejectInvalidSymbol      RejectCode = "INVALID_SYMBOL"
	RejectMarketClosed       RejectCode = "MARKET_CLOSED"
	RejectQuantityLimit      RejectCode = "QUANTITY_LIMIT"
)

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// Signal is an incoming trade instruction from an upstream strategy. It is
// immutable once accepted; only its ID is retained afterwards for dedup.
type Signal struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Exchange    string     `json:"exchange"`
	Side        Side       `json:"side"`
	Quantity    int64      `json:"quantity"`
	Type        SignalType `json:"signal_type"`
	TargetPrice float64    `json:"target_price"`
	StopPrice   float64    `json:"stop_price"`
	IssuedAt    time.Time  `json:"issued_at"`
}

// Order is the unit of broker interaction. It is owned exclusively by its
// order state machine; other components reference it by ID only.
type Order struct {
	ID           string      `json:"order_id"`
	SignalID     string      `json:"parent_signal_id"`
	PositionID   string      `json:"position_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Exchange     string      `json:"exchange"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"order_type"`
	Product      Product     `json:"product"`
	Quantity     int64       `json:"quantity"`
	Price        float64     `json:"price"`
	TriggerPrice float64     `json:"trigger_price"`
	Status       OrderStatus `json:"status"`
	FilledQty    int64       `json:"filled_quantity"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Role         OrderRole   `json:"role"`
	// Reason is a human-readable explanation for a terminal state, derived
	// from the error taxonomy. Never a raw broker code.
	Reason string `json:"reason,omitempty"`
	// Seq is the last broker/sandbox event sequence applied to this order.
	// Events with Seq <= this value are stale and dropped.
	Seq       uint64    `json:"seq"`
	BrokerID  string    `json:"broker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() int64 {
	return o.Quantity - o.FilledQty
}

// Trade is a single execution (fill) against an order. Trades are
// append-only; an order may accumulate several partial fills.
type Trade struct {
	ID      string `json:"trade_id"`
	OrderID string `json:"order_id"`
	// Seq is the global ledger insertion sequence, assigned when the trade
	// is recorded. It is the tie-break when stop and target race.
	Seq      uint64    `json:"seq"`
	Quantity int64     `json:"fill_quantity"`
	Price    float64   `json:"fill_price"`
	FilledAt time.Time `json:"filled_at"`
}

// Position aggregates fills across an entry order and its protective pair.
type Position struct {
	ID       string `json:"position_id"`
	SignalID string `json:"signal_id"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	// Side is the entry direction. NetQty is signed: Σ buys − Σ sells, so a
	// short position carries a negative NetQty.
	Side            Side           `json:"side"`
	NetQty          int64          `json:"net_quantity"`
	AvgPrice        float64        `json:"avg_price"`
	RealizedPnL     float64        `json:"realized_pnl"`
	Status          PositionStatus `json:"status"`
	EntryOrderID    string         `json:"entry_order_id"`
	StopLossOrderID string         `json:"stop_loss_order_id,omitempty"`
	TargetOrderID   string         `json:"target_order_id,omitempty"`
	ClosedReason    CloseReason    `json:"closed_reason,omitempty"`
	// HighWater is the most favorable price seen since entry (highest for a
	// long, lowest for a short), the anchor for trailing decisions.
	HighWater float64 `json:"high_water"`
	// Quarantined blocks all automated mutation after a sync inconsistency,
	// pending manual reconciliation.
	Quarantined bool      `json:"quarantined,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
}

// UnrealizedPnL marks the open quantity to price. NetQty is signed, so the
// direction is already embedded. Pure; never stored as authoritative state.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.NetQty == 0 {
		return 0
	}
	return (price - p.AvgPrice) * float64(p.NetQty)
}

// AccountInfo is a snapshot of account financials from the broker or the
// sandbox margin policy.
type AccountInfo struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// Quote is a market price sample for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Price returns the best single price for the quote: the last trade when
// present, otherwise the bid/ask midpoint.
func (q Quote) Price() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Bid
}

// OrderEvent is a normalized status/fill update for one order, emitted by
// the sandbox or the live adapter and consumed by the sync engine in per-
// order sequence order.
type OrderEvent struct {
	OrderID string      `json:"order_id"`
	Seq     uint64      `json:"seq"`
	Status  OrderStatus `json:"status"`
	// Fill is non-nil when the event carries an execution.
	Fill   *Trade     `json:"fill,omitempty"`
	Code   RejectCode `json:"code,omitempty"`
	Reason string     `json:"reason,omitempty"`
}
