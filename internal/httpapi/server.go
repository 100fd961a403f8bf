// Package httpapi exposes the trading engine over HTTP: signal submission,
// position commands, and read-side views of orders, trades, and positions.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"meridian/internal/domain"
	"meridian/internal/engine"
)

// Server serves the engine's HTTP API.
type Server struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewServer creates a Server over the given engine.
func NewServer(eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/signals", s.handleSubmitSignal)
	mux.HandleFunc("POST /api/quotes", s.handlePushQuote)

	mux.HandleFunc("POST /api/positions/{id}/exit", s.handleExit)
	mux.HandleFunc("POST /api/positions/{id}/stop", s.handleModifyStop)
	mux.HandleFunc("POST /api/positions/{id}/target", s.handleModifyTarget)

	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/positions/{id}", s.handleGetPosition)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/trades", s.handleListTrades)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		valErr *domain.ValidationError
		rejErr *domain.BrokerRejection
	)
	switch {
	case errors.Is(err, domain.ErrMalformedSignal),
		errors.Is(err, domain.ErrInvalidTrailDirection),
		errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownOrder), errors.Is(err, domain.ErrUnknownPosition):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrQuarantined), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rejErr):
		writeError(w, http.StatusUnprocessableEntity, rejErr.Reason)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.eng.SubmitSignal(r.Context(), &sig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

// handlePushQuote feeds a market price sample into the engine. In paper mode
// this is the sandbox's price feed.
func (s *Server) handlePushQuote(w http.ResponseWriter, r *http.Request) {
	var quote domain.Quote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if quote.Symbol == "" || quote.Price() <= 0 {
		writeError(w, http.StatusBadRequest, "quote requires a symbol and a positive price")
		return
	}
	s.eng.PushQuote(r.Context(), quote)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	orderID, err := s.eng.Exit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, CommandResponse{PositionID: r.PathValue("id"), OrderID: orderID})
}

func (s *Server) handleModifyStop(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	orderID, err := s.eng.ModifyStop(r.Context(), r.PathValue("id"), req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, CommandResponse{PositionID: r.PathValue("id"), OrderID: orderID})
}

func (s *Server) handleModifyTarget(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	orderID, err := s.eng.ModifyTarget(r.Context(), r.PathValue("id"), req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, CommandResponse{PositionID: r.PathValue("id"), OrderID: orderID})
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.eng.Positions().List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	writeJSON(w, PositionsResponse{Positions: positions})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, ok := s.eng.Positions().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown position")
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.eng.Book().All()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, OrdersResponse{Orders: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.eng.Book().Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	var trades []domain.Trade
	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		trades = s.eng.Ledger().Trades(orderID)
	} else {
		trades = s.eng.Ledger().All()
	}
	writeJSON(w, TradesResponse{Trades: trades})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var open, active, closed int
	for _, p := range s.eng.Positions().List() {
		switch p.Status {
		case domain.PositionActive:
			active++
		case domain.PositionClosed:
			closed++
		}
	}
	for _, o := range s.eng.Book().All() {
		if !o.Status.Terminal() {
			open++
		}
	}
	writeJSON(w, StatsResponse{
		Ingest:          s.eng.IngestStats(),
		OpenOrders:      open,
		ActivePositions: active,
		ClosedPositions: closed,
	})
}
