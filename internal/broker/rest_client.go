package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/metrics"
)

// RESTGateway talks to the broker's HTTP API. All requests pass through
// the injected RequestGate; a session token is acquired on Authenticate
// and refreshed when the upstream reports an expired session.
type RESTGateway struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	gate       *RequestGate
	logger     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewRESTGateway creates a REST gateway client
func NewRESTGateway(baseURL, apiKey, apiSecret string, gate *RequestGate, logger zerolog.Logger) *RESTGateway {
	return &RESTGateway{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		gate:       gate,
		logger:     logger.With().Str("component", "RESTGateway").Logger(),
	}
}

type sessionResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Authenticate exchanges API credentials for a session token
func (g *RESTGateway) Authenticate(ctx context.Context) error {
	body := map[string]string{
		"api_key":    g.apiKey,
		"api_secret": g.apiSecret,
	}
	var resp sessionResponse
	if err := g.do(ctx, "authenticate", http.MethodPost, "/v1/session", body, &resp, false); err != nil {
		return err
	}

	g.mu.Lock()
	g.token = resp.Token
	g.mu.Unlock()

	g.logger.Info().Msg("Broker session established")
	return nil
}

type placeResponse struct {
	BrokerOrderID string `json:"order_id"`
}

// Place submits an order and returns the broker-assigned id
func (g *RESTGateway) Place(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]interface{}{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"quantity": req.Quantity,
	}
	if req.Price != nil {
		body["price"] = *req.Price
		body["order_type"] = "LIMIT"
	} else {
		body["order_type"] = "MARKET"
	}

	var resp placeResponse
	if err := g.do(ctx, "place", http.MethodPost, "/v1/orders", body, &resp, true); err != nil {
		return "", err
	}
	return resp.BrokerOrderID, nil
}

// Cancel voids a resting order
func (g *RESTGateway) Cancel(ctx context.Context, brokerOrderID string) error {
	path := fmt.Sprintf("/v1/orders/%s/cancel", brokerOrderID)
	return g.do(ctx, "cancel", http.MethodPost, path, nil, nil, true)
}

// Modify changes a resting order in place
func (g *RESTGateway) Modify(ctx context.Context, brokerOrderID string, req ModifyRequest) error {
	body := map[string]interface{}{}
	if req.Price != nil {
		body["price"] = *req.Price
	}
	if req.Quantity != nil {
		body["quantity"] = *req.Quantity
	}
	path := fmt.Sprintf("/v1/orders/%s", brokerOrderID)
	return g.do(ctx, "modify", http.MethodPatch, path, body, nil, true)
}

// QueryStatus returns the broker's current state for an order
func (g *RESTGateway) QueryStatus(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	var state OrderState
	path := fmt.Sprintf("/v1/orders/%s", brokerOrderID)
	if err := g.do(ctx, "status", http.MethodGet, path, nil, &state, true); err != nil {
		return nil, err
	}
	return &state, nil
}

// OpenOrders lists all orders the broker considers open
func (g *RESTGateway) OpenOrders(ctx context.Context) ([]OrderState, error) {
	var states []OrderState
	if err := g.do(ctx, "open_orders", http.MethodGet, "/v1/orders?status=open", nil, &states, true); err != nil {
		return nil, err
	}
	return states, nil
}

// QueryHoldings returns the broker-side portfolio
func (g *RESTGateway) QueryHoldings(ctx context.Context) ([]Holding, error) {
	var holdings []Holding
	if err := g.do(ctx, "holdings", http.MethodGet, "/v1/holdings", nil, &holdings, true); err != nil {
		return nil, err
	}
	return holdings, nil
}

type fundsResponse struct {
	Available float64 `json:"available"`
}

// AvailableFunds returns the cash available for new orders
func (g *RESTGateway) AvailableFunds(ctx context.Context) (float64, error) {
	var resp fundsResponse
	if err := g.do(ctx, "funds", http.MethodGet, "/v1/funds", nil, &resp, true); err != nil {
		return 0, err
	}
	return resp.Available, nil
}

// do performs one gated HTTP round-trip and classifies failures. op is
// a stable operation name used for error context and metrics labels.
func (g *RESTGateway) do(ctx context.Context, op, method, path string, body, out interface{}, authed bool) error {
	err := g.roundTrip(ctx, op, method, path, body, out, authed)
	kind := ""
	if err != nil {
		kind = KindOf(err).String()
	}
	metrics.BrokerRequests.WithLabelValues(op, kind).Inc()
	return err
}

func (g *RESTGateway) roundTrip(ctx context.Context, op, method, path string, body, out interface{}, authed bool) error {
	if err := g.gate.Wait(ctx); err != nil {
		return WrapError(KindTransient, op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		g.mu.RLock()
		token := g.token
		g.mu.RUnlock()
		if token == "" {
			return NewError(KindAuth, op, "no active session")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return WrapError(KindTransient, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(KindTransient, op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(respBody, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = string(respBody)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuth, op, message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimited, op, message)
	case resp.StatusCode >= 500:
		return NewError(KindTransient, op, message)
	default:
		return NewError(KindRejected, op, message)
	}
}
