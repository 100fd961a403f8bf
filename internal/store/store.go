// Package store defines storage interfaces for persisting and retrieving
// orders, trades, and positions, so the engine can rebuild its in-memory
// state after a restart.
package store

import (
	"context"

	"meridian/internal/domain"
)

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts or replaces an order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status; an empty
	// status returns every order.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// TradeStore persists and retrieves executions.
type TradeStore interface {
	// SaveTrade appends one execution.
	SaveTrade(ctx context.Context, trade *domain.Trade) error

	// ListTrades returns the executions recorded against an order, in
	// ledger sequence order. An empty order ID returns every trade.
	ListTrades(ctx context.Context, orderID string) ([]domain.Trade, error)
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or replaces a position.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*domain.Position, error)

	// ListPositions returns positions matching the given status; an empty
	// status returns every position.
	ListPositions(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error)
}

// Store is the full persistence surface the engine runs against.
type Store interface {
	OrderStore
	TradeStore
	PositionStore

	// Close releases the underlying storage handle.
	Close() error
}
