// Package risk enforces the portfolio and balance constraints every
// placement must pass, fresh or retried.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/orders"
)

// Config holds risk management configuration
type Config struct {
	MaxOpenPositions    int     // Maximum concurrent positions
	MaxPositionNotional float64 // Cap on the value of any single order
	MinCashReserve      float64 // Cash that must remain untouched
	ReentryFraction     float64 // Share of free cash a re-entry may use
}

// DefaultConfig returns conservative defaults
func DefaultConfig() *Config {
	return &Config{
		MaxOpenPositions:    10,
		MaxPositionNotional: 50_000,
		MinCashReserve:      1_000,
		ReentryFraction:     0.25,
	}
}

// Manager validates placements against live portfolio and balance state
type Manager struct {
	config  *Config
	gateway broker.Gateway
	orders  *orders.Manager
	logger  zerolog.Logger
}

// NewManager creates a risk manager
func NewManager(config *Config, gateway broker.Gateway, orderManager *orders.Manager, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:  config,
		gateway: gateway,
		orders:  orderManager,
		logger:  logger.With().Str("component", "RiskManager").Logger(),
	}
}

// ValidatePlacement runs the same checks for fresh and retried orders:
// portfolio capacity for buys that open a new position, and enough free
// cash to cover the order's notional.
func (m *Manager) ValidatePlacement(ctx context.Context, order *orders.Order) error {
	if order.Side != orders.SideBuy {
		return nil // sells release capital, no balance check needed
	}

	positions, err := m.orders.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	held := false
	for _, pos := range positions {
		if pos.Symbol == order.Symbol {
			held = true
			break
		}
	}
	if !held && m.config.MaxOpenPositions > 0 && len(positions) >= m.config.MaxOpenPositions {
		return fmt.Errorf("portfolio at capacity (%d positions)", len(positions))
	}

	price := order.FilledPrice
	if order.Price != nil {
		price = *order.Price
	}
	if price <= 0 {
		// Market order without a cached price; the broker enforces margin
		return nil
	}

	notional := price * order.Quantity
	if m.config.MaxPositionNotional > 0 && notional > m.config.MaxPositionNotional {
		return fmt.Errorf("order notional %.2f exceeds cap %.2f", notional, m.config.MaxPositionNotional)
	}

	available, err := m.gateway.AvailableFunds(ctx)
	if err != nil {
		return fmt.Errorf("query funds: %w", err)
	}
	if available-notional < m.config.MinCashReserve {
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f (reserve %.2f)",
			notional, available, m.config.MinCashReserve)
	}
	return nil
}

// SizeReentry returns the share quantity a re-entry may buy at price,
// sized from the configured fraction of free cash. Returns 0 when the
// reserve would be breached or the price is invalid.
func (m *Manager) SizeReentry(available, price float64) float64 {
	if price <= 0 {
		return 0
	}
	budget := (available - m.config.MinCashReserve) * m.config.ReentryFraction
	if m.config.MaxPositionNotional > 0 && budget > m.config.MaxPositionNotional {
		budget = m.config.MaxPositionNotional
	}
	if budget <= 0 {
		return 0
	}
	return math.Floor(budget / price)
}
