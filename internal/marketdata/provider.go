// Package marketdata provides the price/indicator cache, the
// reference-counted subscription manager, and the live-price feed that
// keep the engine's view of the market fresh without hammering the
// metered upstream.
package marketdata

import (
	"context"
	"time"
)

// Kind classifies cached values; each kind carries its own TTL class
type Kind string

const (
	KindRealtime   Kind = "realtime"
	KindHistorical Kind = "historical"
)

// Bar is one historical candle
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Provider is the metered upstream market data API
type Provider interface {
	// GetRealtime fetches the current price for a symbol
	GetRealtime(ctx context.Context, symbol string) (float64, error)

	// GetHistorical fetches a daily bar series covering the given number of days
	GetHistorical(ctx context.Context, symbol string, days int) ([]Bar, error)

	// Subscribe registers symbols on the push feed
	Subscribe(symbols []string) error

	// Unsubscribe removes symbols from the push feed
	Unsubscribe(symbols []string) error
}
