package broker

import "meridian/internal/domain"

// ReasonTable maps broker-equivalent rejection codes to the human-readable
// reasons surfaced to users. It is injected per broker rather than held as
// ambient global state, so a different venue's code vocabulary can be
// swapped in without touching core logic.
type ReasonTable map[domain.RejectCode]string

// DefaultReasonTable returns the reason mapping used by the sandbox and, by
// default, the live adapter.
func DefaultReasonTable() ReasonTable {
	return ReasonTable{
		domain.RejectInsufficientMargin: "insufficient margin available for this order",
		domain.RejectInvalidSymbol:      "symbol is not tradeable on this venue",
		domain.RejectMarketClosed:       "market is closed",
		domain.RejectQuantityLimit:      "order quantity exceeds the allowed limit",
	}
}

// Reason resolves a code to its friendly message, with a generic fallback so
// callers never surface a raw code.
func (t ReasonTable) Reason(code domain.RejectCode) string {
	if msg, ok := t[code]; ok {
		return msg
	}
	return "order was rejected by the broker"
}

// Rejection builds the taxonomy error for a code.
func (t ReasonTable) Rejection(code domain.RejectCode) *domain.BrokerRejection {
	return &domain.BrokerRejection{Code: code, Reason: t.Reason(code)}
}
