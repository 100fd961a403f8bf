package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"meridian/internal/config"
	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Sandbox)(nil)

// Sandbox implements the Broker interface for paper trading. Given a market
// price sample and the set of live orders it produces broker-realistic
// fills, partial fills, trigger-pending transitions, and rejections with
// broker-equivalent error codes.
//
// Determinism: for an identical (order, price-sequence) pair and the same
// configured seed, the sandbox reproduces identical fill sequences. All
// randomness flows through one seeded source and orders are evaluated in
// placement order.
type Sandbox struct {
	mu    sync.Mutex
	cfg   config.SandboxConfig
	table ReasonTable
	rng   *rand.Rand

	// maxQty bounds single-order quantity; zero disables the check.
	maxQty int64
	// symbols is the known-symbol universe; empty accepts any symbol.
	symbols map[string]bool

	marginInfinite bool
	margin         float64
	marketOpen     bool

	orders    map[string]*simOrder
	placed    []string // placement order, the deterministic evaluation order
	pending   []domain.OrderEvent
	lastPrice map[string]float64
	tradeSeq  uint64
}

// simOrder is the sandbox's private view of a working order.
type simOrder struct {
	id        string
	symbol    string
	side      domain.Side
	typ       domain.OrderType
	role      domain.OrderRole
	qty       int64
	filled    int64
	avgPrice  float64
	price     float64
	trigger   float64
	status    domain.OrderStatus
	seq       uint64
	triggered bool
	reserved  float64 // margin held for an unfilled entry
}

// NewSandbox creates a Sandbox from the configured fill mode, margin policy,
// and seed. maxQty mirrors the venue quantity limit; symbols restricts the
// tradeable universe (nil/empty accepts everything).
func NewSandbox(cfg config.SandboxConfig, table ReasonTable, maxQty int64, symbols []string) *Sandbox {
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[s] = true
	}
	open := true
	if cfg.MarketOpen != nil {
		open = *cfg.MarketOpen
	}
	return &Sandbox{
		cfg:            cfg,
		table:          table,
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		maxQty:         maxQty,
		symbols:        known,
		marginInfinite: cfg.MarginPolicy != "fixed",
		margin:         cfg.MarginAmount,
		marketOpen:     open,
		orders:         make(map[string]*simOrder),
		lastPrice:      make(map[string]float64),
	}
}

// Name returns "sandbox".
func (b *Sandbox) Name() string { return "sandbox" }

// PlaceOrder validates the order against the sandbox's margin and venue
// rules. Refusals return a *domain.BrokerRejection with the mapped friendly
// reason; acceptance leaves the order working at status OPEN.
func (b *Sandbox) PlaceOrder(_ context.Context, order *domain.Order) (Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.marketOpen {
		return Ack{}, b.table.Rejection(domain.RejectMarketClosed)
	}
	if len(b.symbols) > 0 && !b.symbols[order.Symbol] {
		return Ack{}, b.table.Rejection(domain.RejectInvalidSymbol)
	}
	if b.maxQty > 0 && order.Quantity > b.maxQty {
		return Ack{}, b.table.Rejection(domain.RejectQuantityLimit)
	}

	o := &simOrder{
		id:      order.ID,
		symbol:  order.Symbol,
		side:    order.Side,
		typ:     order.Type,
		role:    order.Role,
		qty:     order.Quantity,
		price:   order.Price,
		trigger: order.TriggerPrice,
		status:  domain.OrderStatusOpen,
	}

	// Margin check applies to entry orders only, independent of fill logic.
	if !b.marginInfinite && order.Role == domain.OrderRoleEntry {
		notional := b.referencePrice(o) * float64(order.Quantity)
		if notional > b.margin {
			return Ack{}, b.table.Rejection(domain.RejectInsufficientMargin)
		}
		b.margin -= notional
		o.reserved = notional
	}

	b.orders[o.id] = o
	b.placed = append(b.placed, o.id)

	return Ack{BrokerID: "sb-" + o.id, Status: domain.OrderStatusOpen}, nil
}

// referencePrice picks the price a margin check values the order at.
func (b *Sandbox) referencePrice(o *simOrder) float64 {
	switch {
	case o.price > 0:
		return o.price
	case o.trigger > 0:
		return o.trigger
	default:
		return b.lastPrice[o.symbol]
	}
}

// ModifyOrder updates the working quantity, price, and/or trigger of a live
// order. Zero-valued fields are left unchanged.
func (b *Sandbox) ModifyOrder(_ context.Context, orderID string, qty int64, price, triggerPrice float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.ErrUnknownOrder
	}
	if o.status.Terminal() {
		return domain.ErrInvalidTransition
	}
	if qty > 0 {
		if qty < o.filled {
			return domain.ErrInvalidTransition
		}
		o.qty = qty
	}
	if price > 0 {
		o.price = price
	}
	if triggerPrice > 0 {
		o.trigger = triggerPrice
	}
	return nil
}

// CancelOrder cancels a working order. Cancelling an already-terminal order
// is a reported no-op so cancellation stays idempotent under retries. The
// terminal CANCELLED event is delivered on the next tick.
func (b *Sandbox) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.ErrUnknownOrder
	}
	if o.status.Terminal() {
		return nil
	}

	o.status = domain.OrderStatusCancelled
	b.releaseReserve(o)
	o.seq++
	b.pending = append(b.pending, domain.OrderEvent{
		OrderID: o.id,
		Seq:     o.seq,
		Status:  domain.OrderStatusCancelled,
		Reason:  "cancelled",
	})
	return nil
}

// releaseReserve returns the margin held for the unfilled remainder of an
// entry order.
func (b *Sandbox) releaseReserve(o *simOrder) {
	if o.reserved <= 0 || o.qty == 0 {
		return
	}
	remaining := float64(o.qty-o.filled) / float64(o.qty)
	b.margin += o.reserved * remaining
	o.reserved = 0
}

// GetOrderStatus reports the normalized current state of an order.
func (b *Sandbox) GetOrderStatus(_ context.Context, orderID string) (StatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return StatusReport{}, domain.ErrUnknownOrder
	}
	return StatusReport{
		OrderID:      o.id,
		Seq:          o.seq,
		Status:       o.status,
		FilledQty:    o.filled,
		AvgFillPrice: o.avgPrice,
	}, nil
}

// GetQuote returns the last price sample seen for the symbol.
func (b *Sandbox) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.lastPrice[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("sandbox: no price sample for %s", symbol)
	}
	return domain.Quote{Symbol: symbol, Last: p}, nil
}

// GetAccount reports the remaining sandbox margin as buying power.
func (b *Sandbox) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.marginInfinite {
		return &domain.AccountInfo{}, nil
	}
	return &domain.AccountInfo{Equity: b.margin, Cash: b.margin, BuyingPower: b.margin}, nil
}

// SetMarketOpen flips the market-closed rejection at runtime.
func (b *Sandbox) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketOpen = open
}

// Tick feeds one price sample to every working order on the quoted symbol
// and returns the resulting events: pending cancellations first, then
// evaluation outcomes in placement order.
func (b *Sandbox) Tick(quote domain.Quote) []domain.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastPrice[quote.Symbol] = quote.Price()

	events := b.pending
	b.pending = nil

	for _, id := range b.placed {
		o := b.orders[id]
		if o == nil || o.status.Terminal() || o.symbol != quote.Symbol {
			continue
		}
		events = append(events, b.evaluate(o, quote)...)
	}
	return events
}

// evaluate decides the outcome of one order against one price sample.
func (b *Sandbox) evaluate(o *simOrder, quote domain.Quote) []domain.OrderEvent {
	price := quote.Price()
	var events []domain.OrderEvent

	// Stop orders wait for the trigger crossing. Until crossed they sit in
	// TRIGGER_PENDING; once crossed they re-enter OPEN as a live order.
	if o.typ.IsStop() && !o.triggered {
		if !b.triggerCrossed(o, price) {
			if o.status != domain.OrderStatusTriggerPending {
				o.status = domain.OrderStatusTriggerPending
				o.seq++
				events = append(events, domain.OrderEvent{
					OrderID: o.id,
					Seq:     o.seq,
					Status:  domain.OrderStatusTriggerPending,
				})
			}
			return events
		}
		o.triggered = true
		o.status = domain.OrderStatusOpen
		o.seq++
		events = append(events, domain.OrderEvent{
			OrderID: o.id,
			Seq:     o.seq,
			Status:  domain.OrderStatusOpen,
		})
	}

	if !b.priceFillable(o, price) {
		return events
	}

	remaining := o.qty - o.filled
	fillQty := remaining
	if b.cfg.FillMode == "stochastic" && remaining > 1 &&
		b.rng.Float64() < b.cfg.PartialFillProbability {
		fillQty = int64(float64(remaining) * b.cfg.PartialFillRatio)
		if fillQty < 1 {
			fillQty = 1
		}
	}

	// Fills execute at the actual sample price, not the trigger: a market
	// gapping through a stop reports the gapped price.
	o.avgPrice = (o.avgPrice*float64(o.filled) + price*float64(fillQty)) /
		float64(o.filled+fillQty)
	o.filled += fillQty
	if o.filled == o.qty {
		o.status = domain.OrderStatusComplete
	}
	if o.role != domain.OrderRoleEntry {
		b.releaseExitValue(fillQty, price)
	}

	b.tradeSeq++
	trade := &domain.Trade{
		ID:       fmt.Sprintf("sim-trade-%d", b.tradeSeq),
		OrderID:  o.id,
		Quantity: fillQty,
		Price:    price,
		FilledAt: quote.Timestamp,
	}
	o.seq++
	events = append(events, domain.OrderEvent{
		OrderID: o.id,
		Seq:     o.seq,
		Status:  o.status,
		Fill:    trade,
	})
	return events
}

// triggerCrossed reports whether the sample crossed the stop trigger: a sell
// stop triggers at or below, a buy stop at or above.
func (b *Sandbox) triggerCrossed(o *simOrder, price float64) bool {
	if o.side == domain.SideSell {
		return price <= o.trigger
	}
	return price >= o.trigger
}

// priceFillable reports whether the sample satisfies the order's limit, if
// any. Market orders (and triggered stop-markets) always fill.
func (b *Sandbox) priceFillable(o *simOrder, price float64) bool {
	switch o.typ {
	case domain.OrderTypeMarket, domain.OrderTypeStopMarket:
		return true
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
		if o.side == domain.SideBuy {
			return price <= o.price
		}
		return price >= o.price
	}
	return false
}

// releaseExitValue returns exited notional to the fixed margin pool.
func (b *Sandbox) releaseExitValue(qty int64, price float64) {
	if b.marginInfinite {
		return
	}
	b.margin += float64(qty) * price
}
