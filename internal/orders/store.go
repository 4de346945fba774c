package orders

import "context"

// Store is the durable record of every order intent. Implementations
// must serialize access per order but may process unrelated orders
// concurrently.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error)

	// ListByStatus returns orders in any of the given statuses,
	// oldest first
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)

	// FindActive returns the pending/ongoing order for an
	// instrument+side, or nil when the slot is free. Shadow records
	// never hold the slot.
	FindActive(ctx context.Context, symbol string, side Side) (*Order, error)
}
