package httpapi

import (
	"meridian/internal/domain"
	"meridian/internal/signal"
)

// PriceRequest is the body of stop/target modification commands.
type PriceRequest struct {
	Price float64 `json:"price"`
}

// CommandResponse reports the order a position command acted on.
type CommandResponse struct {
	PositionID string `json:"position_id"`
	OrderID    string `json:"order_id"`
}

// PositionsResponse lists positions.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// OrdersResponse lists orders.
type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// TradesResponse lists executions.
type TradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// StatsResponse summarizes engine activity.
type StatsResponse struct {
	Ingest          signal.Stats `json:"ingest"`
	OpenOrders      int          `json:"open_orders"`
	ActivePositions int          `json:"active_positions"`
	ClosedPositions int          `json:"closed_positions"`
}
