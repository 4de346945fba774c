package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Raw status strings a broker reports. The paper gateway speaks the same
// vocabulary as the REST upstream so normalization is exercised either way.
const (
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusComplete        = "COMPLETE"
	StatusRejected        = "REJECTED"
	StatusCancelled       = "CANCELLED"
)

// PaperGateway simulates the broker in memory. Used for dry-run mode and
// tests; market orders fill immediately at the last known price, limit
// orders rest until driven by FillOrder/RejectOrder.
type PaperGateway struct {
	mu sync.RWMutex

	orders   map[string]*OrderState
	prices   map[string]float64
	holdings map[string]*Holding
	funds    float64
	nextID   int

	// Fault injection for tests
	failNext         error
	authFailures     int
	authDataFailures int
	authCalls        int
}

// NewPaperGateway creates a paper gateway with the given starting funds
func NewPaperGateway(funds float64) *PaperGateway {
	return &PaperGateway{
		orders:   make(map[string]*OrderState),
		prices:   make(map[string]float64),
		holdings: make(map[string]*Holding),
		funds:    funds,
	}
}

// SetPrice sets the simulated last price for a symbol
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNext makes the next gateway call return err once
func (p *PaperGateway) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// FailAuth makes the next n calls fail with an auth error
func (p *PaperGateway) FailAuth(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authFailures = n
}

// FailAuthData makes the next n data calls fail with an auth error
// while Authenticate keeps succeeding, simulating a broker that accepts
// re-login but keeps rejecting the session.
func (p *PaperGateway) FailAuthData(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authDataFailures = n
}

// AuthenticateCalls reports how many times Authenticate has been called
func (p *PaperGateway) AuthenticateCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authCalls
}

func (p *PaperGateway) takeFault(op string) error {
	if p.authFailures > 0 {
		p.authFailures--
		return NewError(KindAuth, op, "session expired")
	}
	if p.authDataFailures > 0 && op != "authenticate" {
		p.authDataFailures--
		return NewError(KindAuth, op, "session expired")
	}
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	return nil
}

// Authenticate always succeeds unless auth faults are queued
func (p *PaperGateway) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCalls++
	return p.takeFault("authenticate")
}

// Place records the order; market orders fill at the last set price
func (p *PaperGateway) Place(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("place"); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", NewError(KindRejected, "place", "quantity must be positive")
	}

	p.nextID++
	id := fmt.Sprintf("SIM-%06d", p.nextID)

	state := &OrderState{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        StatusOpen,
		UpdatedAt:     time.Now(),
	}
	if req.Price != nil {
		state.Price = *req.Price
	}
	p.orders[id] = state

	if req.Price == nil {
		last, ok := p.prices[req.Symbol]
		if !ok {
			state.Status = StatusRejected
			state.Reason = "no market price for symbol"
			return "", NewError(KindRejected, "place", state.Reason)
		}
		p.fillLocked(state, last)
	}

	return id, nil
}

// fillLocked marks an order complete and adjusts funds/holdings
func (p *PaperGateway) fillLocked(state *OrderState, price float64) {
	state.Status = StatusComplete
	state.FilledPrice = price
	state.FilledQty = state.Quantity
	state.UpdatedAt = time.Now()

	notional := price * state.Quantity
	h := p.holdings[state.Symbol]
	if h == nil {
		h = &Holding{Symbol: state.Symbol}
		p.holdings[state.Symbol] = h
	}
	if state.Side == SideBuy {
		p.funds -= notional
		total := h.AvgCost*h.Quantity + notional
		h.Quantity += state.Quantity
		if h.Quantity > 0 {
			h.AvgCost = total / h.Quantity
		}
	} else {
		p.funds += notional
		h.Quantity -= state.Quantity
		if h.Quantity <= 0 {
			delete(p.holdings, state.Symbol)
		}
	}
}

// FillOrder fills a resting order at the given price (test driver)
func (p *PaperGateway) FillOrder(brokerOrderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[brokerOrderID]
	if !ok {
		return NewError(KindRejected, "fill", "unknown order")
	}
	if state.Status != StatusOpen && state.Status != StatusPartiallyFilled {
		return NewError(KindRejected, "fill", "order not open")
	}
	p.fillLocked(state, price)
	return nil
}

// RejectOrder rejects a resting order with a reason (test driver)
func (p *PaperGateway) RejectOrder(brokerOrderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.orders[brokerOrderID]
	if !ok {
		return NewError(KindRejected, "reject", "unknown order")
	}
	state.Status = StatusRejected
	state.Reason = reason
	state.UpdatedAt = time.Now()
	return nil
}

// InjectOrder adds a broker-side order the engine never placed, to
// simulate manual/out-of-band activity.
func (p *PaperGateway) InjectOrder(state OrderState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	p.orders[state.BrokerOrderID] = &state
}

// Cancel voids a resting order
func (p *PaperGateway) Cancel(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("cancel"); err != nil {
		return err
	}
	state, ok := p.orders[brokerOrderID]
	if !ok {
		return NewError(KindRejected, "cancel", "unknown order")
	}
	if state.Status != StatusOpen && state.Status != StatusPartiallyFilled {
		return NewError(KindRejected, "cancel", "order not open")
	}
	state.Status = StatusCancelled
	state.UpdatedAt = time.Now()
	return nil
}

// Modify changes a resting order in place
func (p *PaperGateway) Modify(ctx context.Context, brokerOrderID string, req ModifyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("modify"); err != nil {
		return err
	}
	state, ok := p.orders[brokerOrderID]
	if !ok {
		return NewError(KindRejected, "modify", "unknown order")
	}
	if state.Status != StatusOpen && state.Status != StatusPartiallyFilled {
		return NewError(KindRejected, "modify", "order not open")
	}
	if req.Price != nil {
		state.Price = *req.Price
	}
	if req.Quantity != nil {
		state.Quantity = *req.Quantity
	}
	state.UpdatedAt = time.Now()
	return nil
}

// QueryStatus returns the current simulated order state
func (p *PaperGateway) QueryStatus(ctx context.Context, brokerOrderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("status"); err != nil {
		return nil, err
	}

	state, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, NewError(KindRejected, "status", "unknown order")
	}
	copied := *state
	return &copied, nil
}

// OpenOrders lists all simulated orders still open
func (p *PaperGateway) OpenOrders(ctx context.Context) ([]OrderState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var open []OrderState
	for _, state := range p.orders {
		if state.Status == StatusOpen || state.Status == StatusPartiallyFilled {
			open = append(open, *state)
		}
	}
	return open, nil
}

// QueryHoldings returns the simulated portfolio
func (p *PaperGateway) QueryHoldings(ctx context.Context) ([]Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	holdings := make([]Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		holdings = append(holdings, *h)
	}
	return holdings, nil
}

// AvailableFunds returns the simulated cash balance
func (p *PaperGateway) AvailableFunds(ctx context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.funds, nil
}
