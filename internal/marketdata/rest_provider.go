package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
)

// RESTProvider pulls quotes and bars from the market data HTTP API.
// Push subscriptions ride the websocket feed, so Subscribe/Unsubscribe
// here are no-ops kept only to satisfy Provider.
type RESTProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	gate       *broker.RequestGate
	logger     zerolog.Logger
}

// NewRESTProvider creates a REST market data provider. The gate paces
// calls against the metered upstream.
func NewRESTProvider(baseURL, apiKey string, gate *broker.RequestGate, logger zerolog.Logger) *RESTProvider {
	return &RESTProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		gate:       gate,
		logger:     logger.With().Str("component", "MarketDataProvider").Logger(),
	}
}

type quoteResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type barsResponse struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// GetRealtime fetches the current price for a symbol
func (p *RESTProvider) GetRealtime(ctx context.Context, symbol string) (float64, error) {
	var resp quoteResponse
	url := fmt.Sprintf("%s/v1/quote/%s", p.baseURL, symbol)
	if err := p.get(ctx, url, &resp); err != nil {
		return 0, err
	}
	if resp.Price <= 0 {
		return 0, fmt.Errorf("upstream returned non-positive price %.4f for %s", resp.Price, symbol)
	}
	return resp.Price, nil
}

// GetHistorical fetches a daily bar series
func (p *RESTProvider) GetHistorical(ctx context.Context, symbol string, days int) ([]Bar, error) {
	var resp barsResponse
	url := fmt.Sprintf("%s/v1/bars/%s?days=%d", p.baseURL, symbol, days)
	if err := p.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// Subscribe is a no-op; the feed owns push subscriptions
func (p *RESTProvider) Subscribe(symbols []string) error { return nil }

// Unsubscribe is a no-op; the feed owns push subscriptions
func (p *RESTProvider) Unsubscribe(symbols []string) error { return nil }

func (p *RESTProvider) get(ctx context.Context, url string, out interface{}) error {
	if p.gate != nil {
		if err := p.gate.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("market data request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("market data request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StaticProvider serves prices set directly on it. It backs paper mode
// and tests, where no upstream exists.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]float64
	bars   map[string][]Bar
}

// NewStaticProvider creates an empty static provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		prices: make(map[string]float64),
		bars:   make(map[string][]Bar),
	}
}

// SetPrice sets the price served for a symbol
func (p *StaticProvider) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetBars sets the bar series served for a symbol
func (p *StaticProvider) SetBars(symbol string, bars []Bar) {
	p.mu.Lock()
	p.bars[symbol] = bars
	p.mu.Unlock()
}

func (p *StaticProvider) GetRealtime(ctx context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (p *StaticProvider) GetHistorical(ctx context.Context, symbol string, days int) ([]Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bars, ok := p.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	return bars, nil
}

func (p *StaticProvider) Subscribe(symbols []string) error   { return nil }
func (p *StaticProvider) Unsubscribe(symbols []string) error { return nil }
