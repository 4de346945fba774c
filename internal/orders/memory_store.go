package orders

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in dry-run mode and tests.
// It hands out copies so callers cannot mutate a row without going
// through Update, matching the durable store's semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Order
	byBroker map[string]string // broker order id -> internal id
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Order),
		byBroker: make(map[string]string),
	}
}

func copyOrder(o *Order) *Order {
	copied := *o
	if o.Price != nil {
		p := *o.Price
		copied.Price = &p
	}
	if o.FirstFailedAt != nil {
		t := *o.FirstFailedAt
		copied.FirstFailedAt = &t
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		copied.FilledAt = &t
	}
	return &copied
}

// Create stores a new order row
func (s *MemoryStore) Create(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[order.ID] = copyOrder(order)
	if order.BrokerOrderID != "" {
		s.byBroker[order.BrokerOrderID] = order.ID
	}
	return nil
}

// Update overwrites the existing row in place
func (s *MemoryStore) Update(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if prev.BrokerOrderID != "" && prev.BrokerOrderID != order.BrokerOrderID {
		delete(s.byBroker, prev.BrokerOrderID)
	}
	s.byID[order.ID] = copyOrder(order)
	if order.BrokerOrderID != "" {
		s.byBroker[order.BrokerOrderID] = order.ID
	}
	return nil
}

// GetByID returns a copy of the order row
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.byID[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(order), nil
}

// GetByBrokerID returns the order holding the given broker id
func (s *MemoryStore) GetByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byBroker[brokerOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(s.byID[id]), nil
}

// ListByStatus returns orders in any of the given statuses, oldest first
func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*Order
	for _, order := range s.byID {
		if want[order.Status] {
			result = append(result, copyOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FindActive returns the pending/ongoing order for an instrument+side.
// Shadow records never hold the slot.
func (s *MemoryStore) FindActive(ctx context.Context, symbol string, side Side) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.byID {
		if order.Symbol == symbol && order.Side == side && order.Status.Active() && !order.Shadow {
			return copyOrder(order), nil
		}
	}
	return nil, nil
}

// Count returns the total number of rows (for tests)
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
