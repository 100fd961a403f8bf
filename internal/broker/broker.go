// Package broker defines the Broker interface the engine drives orders
// through, the injectable rejection-code table, and two implementations: the
// sandbox fill simulator for paper trading and the Alpaca live adapter.
package broker

import (
	"context"

	"meridian/internal/domain"
)

// Broker abstracts venue operations. The core calls these and consumes
// normalized responses; it never sees the wire format.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "sandbox").
	Name() string

	// PlaceOrder sends an order for execution. A synchronous refusal is
	// returned as a *domain.BrokerRejection; acceptance returns the venue's
	// identifier and the post-acceptance status (OPEN).
	PlaceOrder(ctx context.Context, order *domain.Order) (Ack, error)

	// ModifyOrder replaces the quantity, price, and/or trigger price of an
	// open order. Zero-valued fields are left unchanged.
	ModifyOrder(ctx context.Context, orderID string, qty int64, price, triggerPrice float64) error

	// CancelOrder requests cancellation of an open order. Fire-and-forget:
	// the cancellation commits when a terminal status is observed.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderStatus returns the normalized current state of an order.
	GetOrderStatus(ctx context.Context, orderID string) (StatusReport, error)

	// GetQuote returns the latest market price sample for a symbol.
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// Ack is the broker's acceptance of a placed order.
type Ack struct {
	BrokerID string
	Status   domain.OrderStatus
}

// StatusReport is the normalized order state consumed by the sync engine.
type StatusReport struct {
	OrderID      string
	Seq          uint64
	Status       domain.OrderStatus
	FilledQty    int64
	AvgFillPrice float64
	Code         domain.RejectCode
	Reason       string
}
