package broker

import (
	"context"
	"sync"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// and market-data APIs. It translates engine orders to the SDK's wire types
// and normalizes responses; network failures surface as
// *domain.TransientCommError so the caller's retry policy applies.
type AlpacaBroker struct {
	trading *alpacaapi.Client
	data    *marketdata.Client
	table   ReasonTable

	mu sync.Mutex
	// brokerIDs maps engine order IDs to Alpaca order IDs.
	brokerIDs map[string]string
	// last holds the previous report per order so GetOrderStatus can assign
	// a monotonically increasing sequence whenever the snapshot changes.
	last map[string]StatusReport
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string, table ReasonTable) *AlpacaBroker {
	tradingOpts := alpacaapi.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if baseURL != "" {
		tradingOpts.BaseURL = baseURL
	}
	dataOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading:   alpacaapi.NewClient(tradingOpts),
		data:      marketdata.NewClient(dataOpts),
		table:     table,
		brokerIDs: make(map[string]string),
		last:      make(map[string]StatusReport),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// PlaceOrder submits the order via POST /v2/orders.
func (b *AlpacaBroker) PlaceOrder(_ context.Context, order *domain.Order) (Ack, error) {
	qty := decimal.NewFromInt(order.Quantity)
	req := alpacaapi.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          toAlpacaSide(order.Side),
		Type:          toAlpacaType(order.Type),
		TimeInForce:   alpacaapi.Day,
		ClientOrderID: order.ID,
	}
	if order.Price > 0 && (order.Type == domain.OrderTypeLimit || order.Type == domain.OrderTypeStopLimit) {
		p := decimal.NewFromFloat(order.Price)
		req.LimitPrice = &p
	}
	if order.TriggerPrice > 0 && order.Type.IsStop() {
		tp := decimal.NewFromFloat(order.TriggerPrice)
		req.StopPrice = &tp
	}

	placed, err := b.trading.PlaceOrder(req)
	if err != nil {
		if apiErr, ok := err.(*alpacaapi.APIError); ok {
			return Ack{}, &domain.BrokerRejection{
				Code:   mapAlpacaRejectCode(apiErr.Code),
				Reason: b.table.Reason(mapAlpacaRejectCode(apiErr.Code)),
			}
		}
		return Ack{}, &domain.TransientCommError{Op: "placeOrder", Err: err}
	}

	b.mu.Lock()
	b.brokerIDs[order.ID] = placed.ID
	b.mu.Unlock()

	return Ack{BrokerID: placed.ID, Status: domain.OrderStatusOpen}, nil
}

// ModifyOrder replaces the working quantity/price/trigger via
// PATCH /v2/orders/{id}. Zero-valued fields are left unchanged.
func (b *AlpacaBroker) ModifyOrder(_ context.Context, orderID string, qty int64, price, triggerPrice float64) error {
	brokerID, err := b.brokerID(orderID)
	if err != nil {
		return err
	}
	req := alpacaapi.ReplaceOrderRequest{}
	if qty > 0 {
		q := decimal.NewFromInt(qty)
		req.Qty = &q
	}
	if price > 0 {
		p := decimal.NewFromFloat(price)
		req.LimitPrice = &p
	}
	if triggerPrice > 0 {
		tp := decimal.NewFromFloat(triggerPrice)
		req.StopPrice = &tp
	}
	replaced, err := b.trading.ReplaceOrder(brokerID, req)
	if err != nil {
		return &domain.TransientCommError{Op: "modifyOrder", Err: err}
	}

	// A replace allocates a new broker-side order id.
	b.mu.Lock()
	b.brokerIDs[orderID] = replaced.ID
	b.mu.Unlock()
	return nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id}. The cancel
// commits locally only when a terminal status is observed on sync.
func (b *AlpacaBroker) CancelOrder(_ context.Context, orderID string) error {
	brokerID, err := b.brokerID(orderID)
	if err != nil {
		return err
	}
	if err := b.trading.CancelOrder(brokerID); err != nil {
		return &domain.TransientCommError{Op: "cancelOrder", Err: err}
	}
	return nil
}

// GetOrderStatus polls GET /v2/orders/{id} and normalizes the snapshot. The
// report's sequence number increases only when the snapshot changed, so
// retransmitted identical polls are dropped as stale by the order machine.
func (b *AlpacaBroker) GetOrderStatus(_ context.Context, orderID string) (StatusReport, error) {
	brokerID, err := b.brokerID(orderID)
	if err != nil {
		return StatusReport{}, err
	}
	o, err := b.trading.GetOrder(brokerID)
	if err != nil {
		return StatusReport{}, &domain.TransientCommError{Op: "getOrderStatus", Err: err}
	}

	report := StatusReport{
		OrderID:   orderID,
		Status:    fromAlpacaStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		report.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}

	b.mu.Lock()
	prev := b.last[orderID]
	report.Seq = prev.Seq
	if report.Status != prev.Status || report.FilledQty != prev.FilledQty {
		report.Seq = prev.Seq + 1
	}
	b.last[orderID] = report
	b.mu.Unlock()

	return report, nil
}

// GetQuote returns the latest NBBO for the symbol.
func (b *AlpacaBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return domain.Quote{}, &domain.TransientCommError{Op: "getQuote", Err: err}
	}
	return domain.Quote{
		Symbol:    symbol,
		Bid:       q.BidPrice,
		Ask:       q.AskPrice,
		Timestamp: q.Timestamp,
	}, nil
}

// GetAccount returns the current account information.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return nil, &domain.TransientCommError{Op: "getAccount", Err: err}
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func (b *AlpacaBroker) brokerID(orderID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.brokerIDs[orderID]
	if !ok {
		return "", domain.ErrUnknownOrder
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Wire translation
// ---------------------------------------------------------------------------

func toAlpacaSide(s domain.Side) alpacaapi.Side {
	if s == domain.SideSell {
		return alpacaapi.Sell
	}
	return alpacaapi.Buy
}

func toAlpacaType(t domain.OrderType) alpacaapi.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpacaapi.Limit
	case domain.OrderTypeStopMarket:
		return alpacaapi.Stop
	case domain.OrderTypeStopLimit:
		return alpacaapi.StopLimit
	default:
		return alpacaapi.Market
	}
}

func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "partially_filled", "pending_new", "pending_cancel", "pending_replace":
		return domain.OrderStatusOpen
	case "held":
		return domain.OrderStatusTriggerPending
	case "filled":
		return domain.OrderStatusComplete
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "stopped", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}

// mapAlpacaRejectCode folds Alpaca API error codes into the engine's fixed
// rejection vocabulary.
func mapAlpacaRejectCode(code int) domain.RejectCode {
	switch code {
	case 40310000: // insufficient buying power
		return domain.RejectInsufficientMargin
	case 40410000: // asset not found
		return domain.RejectInvalidSymbol
	case 40010001: // market closed / orders not accepted
		return domain.RejectMarketClosed
	case 42210000: // qty limit exceeded
		return domain.RejectQuantityLimit
	default:
		return "" // unmapped; ReasonTable falls back to the generic message
	}
}
