package domain

import (
	"math"
	"testing"
)

func TestSideSignAndOpposite(t *testing.T) {
	if SideBuy.Sign() != 1 || SideSell.Sign() != -1 {
		t.Fatalf("unexpected signs: buy=%v sell=%v", SideBuy.Sign(), SideSell.Sign())
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("Opposite did not flip sides")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusComplete, OrderStatusCancelled, OrderStatusRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	working := []OrderStatus{OrderStatusCreated, OrderStatusOpen, OrderStatusTriggerPending}
	for _, s := range working {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestQuotePrice(t *testing.T) {
	cases := []struct {
		name string
		q    Quote
		want float64
	}{
		{"last wins", Quote{Last: 101, Bid: 100, Ask: 102}, 101},
		{"midpoint without last", Quote{Bid: 100, Ask: 102}, 101},
		{"ask only", Quote{Ask: 102}, 102},
		{"bid only", Quote{Bid: 100}, 100},
	}
	for _, c := range cases {
		if got := c.q.Price(); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestUnrealizedPnL(t *testing.T) {
	long := &Position{Side: SideBuy, NetQty: 50, AvgPrice: 100}
	if got := long.UnrealizedPnL(110); got != 500 {
		t.Errorf("long unrealized: got %v, want 500", got)
	}
	if got := long.UnrealizedPnL(95); got != -250 {
		t.Errorf("long unrealized loss: got %v, want -250", got)
	}

	short := &Position{Side: SideSell, NetQty: -50, AvgPrice: 100}
	if got := short.UnrealizedPnL(90); got != 500 {
		t.Errorf("short unrealized: got %v, want 500", got)
	}
	if got := short.UnrealizedPnL(105); got != -250 {
		t.Errorf("short unrealized loss: got %v, want -250", got)
	}

	flat := &Position{Side: SideBuy, NetQty: 0, AvgPrice: 100}
	if got := flat.UnrealizedPnL(123); got != 0 {
		t.Errorf("flat unrealized: got %v, want 0", got)
	}
}

func TestOrderRemainingQty(t *testing.T) {
	o := &Order{Quantity: 100, FilledQty: 30}
	if got := o.RemainingQty(); got != 70 {
		t.Errorf("remaining: got %d, want 70", got)
	}
}

func TestIsStop(t *testing.T) {
	if !OrderTypeStopMarket.IsStop() || !OrderTypeStopLimit.IsStop() {
		t.Error("stop types should report IsStop")
	}
	if OrderTypeMarket.IsStop() || OrderTypeLimit.IsStop() {
		t.Error("non-stop types should not report IsStop")
	}
}

func TestPnLIdentity(t *testing.T) {
	// Realized plus unrealized at the exit price equals the full round-trip
	// P&L regardless of split.
	p := &Position{Side: SideBuy, NetQty: 100, AvgPrice: 50}
	exitPrice := 60.0

	realized := (exitPrice - p.AvgPrice) * 40 // selling 40 of 100
	p.RealizedPnL += realized
	p.NetQty -= 40

	total := p.RealizedPnL + p.UnrealizedPnL(exitPrice)
	want := (exitPrice - 50) * 100
	if math.Abs(total-want) > 1e-9 {
		t.Errorf("identity broken: got %v, want %v", total, want)
	}
}
