// Package broker abstracts the upstream trading API. The engine only ever
// talks to the Gateway interface; concrete implementations are the REST
// client and the paper gateway used for dry runs and tests.
package broker

import (
	"context"
	"time"
)

// Order sides as the upstream API spells them
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderRequest is a request to place an order with the broker
type OrderRequest struct {
	Symbol   string
	Side     string  // BUY or SELL
	Quantity float64
	Price    *float64 // nil for market orders
}

// ModifyRequest changes price and/or quantity of a resting order.
// Nil fields are left unchanged.
type ModifyRequest struct {
	Price    *float64
	Quantity *float64
}

// OrderState is the broker's authoritative view of an order. Status is the
// raw upstream string; callers normalize it at the boundary.
type OrderState struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Status        string    `json:"status"`
	FilledPrice   float64   `json:"filled_price"`
	FilledQty     float64   `json:"filled_qty"`
	Reason        string    `json:"reason"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Holding is one instrument in the broker-side portfolio
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// Gateway is the upstream trading API surface the engine depends on.
// Every call may block on network I/O; callers must not hold store-wide
// locks across a Gateway call.
type Gateway interface {
	// Authenticate establishes or refreshes the broker session
	Authenticate(ctx context.Context) error

	// Place submits an order and returns the broker-assigned id
	Place(ctx context.Context, req OrderRequest) (string, error)

	// Cancel voids a resting order
	Cancel(ctx context.Context, brokerOrderID string) error

	// Modify changes a resting order in place
	Modify(ctx context.Context, brokerOrderID string, req ModifyRequest) error

	// QueryStatus returns the broker's current state for an order
	QueryStatus(ctx context.Context, brokerOrderID string) (*OrderState, error)

	// OpenOrders lists all orders the broker considers open
	OpenOrders(ctx context.Context) ([]OrderState, error)

	// QueryHoldings returns the broker-side portfolio
	QueryHoldings(ctx context.Context) ([]Holding, error)

	// AvailableFunds returns the cash available for new orders
	AvailableFunds(ctx context.Context) (float64, error)
}
