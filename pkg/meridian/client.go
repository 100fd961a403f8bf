// Package meridian provides a Go SDK for the meridian-trader HTTP API.
package meridian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/httpapi"
)

// Client talks to a running meridian-trader instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new meridian API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitSignal submits one trade signal.
func (c *Client) SubmitSignal(ctx context.Context, sig *domain.Signal) (engine.SignalResult, error) {
	var res engine.SignalResult
	err := c.do(ctx, http.MethodPost, "/api/signals", sig, &res)
	return res, err
}

// PushQuote feeds a market price sample to the engine.
func (c *Client) PushQuote(ctx context.Context, quote domain.Quote) error {
	return c.do(ctx, http.MethodPost, "/api/quotes", quote, nil)
}

// Exit closes a position at market.
func (c *Client) Exit(ctx context.Context, positionID string) (httpapi.CommandResponse, error) {
	var res httpapi.CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/positions/"+positionID+"/exit", nil, &res)
	return res, err
}

// ModifyStop tightens a position's stop price.
func (c *Client) ModifyStop(ctx context.Context, positionID string, price float64) (httpapi.CommandResponse, error) {
	var res httpapi.CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/positions/"+positionID+"/stop",
		httpapi.PriceRequest{Price: price}, &res)
	return res, err
}

// ModifyTarget replaces a position's target price.
func (c *Client) ModifyTarget(ctx context.Context, positionID string, price float64) (httpapi.CommandResponse, error) {
	var res httpapi.CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/positions/"+positionID+"/target",
		httpapi.PriceRequest{Price: price}, &res)
	return res, err
}

// GetPositions retrieves all positions, optionally filtered by status.
func (c *Client) GetPositions(ctx context.Context, status string) ([]domain.Position, error) {
	path := "/api/positions"
	if status != "" {
		path += "?status=" + status
	}
	var res httpapi.PositionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Positions, nil
}

// GetPosition retrieves one position by ID.
func (c *Client) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	var res domain.Position
	err := c.do(ctx, http.MethodGet, "/api/positions/"+positionID, nil, &res)
	return res, err
}

// GetOrders retrieves all orders, optionally filtered by status.
func (c *Client) GetOrders(ctx context.Context, status string) ([]domain.Order, error) {
	path := "/api/orders"
	if status != "" {
		path += "?status=" + status
	}
	var res httpapi.OrdersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Orders, nil
}

// GetTrades retrieves executions, all of them or one order's.
func (c *Client) GetTrades(ctx context.Context, orderID string) ([]domain.Trade, error) {
	path := "/api/trades"
	if orderID != "" {
		path += "?order_id=" + orderID
	}
	var res httpapi.TradesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Trades, nil
}

// GetStats retrieves engine activity counters.
func (c *Client) GetStats(ctx context.Context) (httpapi.StatsResponse, error) {
	var res httpapi.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
