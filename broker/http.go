package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER GATEWAY CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// REST client for the broker order gateway. Market orders only; the order
// book endpoint is the source of truth for verification. Every call is
// bounded by the client timeout.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Client talks to the broker gateway over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	clientCode string
	httpClient *http.Client
}

// NewClient creates a gateway client. The per-call timeout bounds every
// request including the body read.
func NewClient(baseURL, apiKey, clientCode string, timeout time.Duration) *Client {
	log.Info().
		Str("gateway", baseURL).
		Str("client_code", clientCode).
		Msg("🚀 Broker gateway client initialized")
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		clientCode: clientCode,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// PlaceMarketOrder submits a market order and returns the broker order id.
// Placement success says nothing about the fill; the verifier proves that.
func (c *Client) PlaceMarketOrder(req types.OrderRequest) (string, error) {
	payload := map[string]interface{}{
		"scrip_code":      req.ScripCode,
		"exchange":        string(req.Exchange),
		"exchange_type":   req.ExchangeType,
		"side":            string(req.Side),
		"qty":             req.Qty,
		"order_type":      "MARKET",
		"client_code":     c.clientCode,
		"idempotency_key": req.IdempotencyKey,
	}
	if req.LimitPrice.IsPositive() {
		payload["order_type"] = "LIMIT"
		payload["limit_price"] = req.LimitPrice.String()
	}

	resp, err := c.post("/orders", payload)
	if err != nil {
		return "", err
	}

	var result placeOrderResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse place-order response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("gateway error: %s", result.Error)
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("gateway returned no order id (status %q)", result.Status)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("scrip", req.ScripCode).
		Str("side", string(req.Side)).
		Int64("qty", req.Qty).
		Msg("✅ Order accepted by gateway")
	return result.OrderID, nil
}

type orderBookRow struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Qty        int64  `json:"qty"`
	PendingQty int64  `json:"pending_qty"`
	AvgPrice   string `json:"avg_price"`
	Message    string `json:"message"`
}

// FetchOrderBook returns today's order book for the client code.
func (c *Client) FetchOrderBook() ([]types.BrokerOrder, error) {
	resp, err := c.get("/orders?client_code=" + c.clientCode)
	if err != nil {
		return nil, err
	}

	var rows []orderBookRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("parse order book: %w", err)
	}

	book := make([]types.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		avg, _ := decimal.NewFromString(r.AvgPrice)
		book = append(book, types.BrokerOrder{
			OrderID:    r.OrderID,
			Status:     r.Status,
			Qty:        r.Qty,
			PendingQty: r.PendingQty,
			AvgPrice:   avg,
			Message:    r.Message,
		})
	}
	return book, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Client-Code", c.clientCode)
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
