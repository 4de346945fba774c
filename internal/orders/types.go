// Package orders owns the order model, the status state machine, the
// retry/expiry policy, and the positions projection derived from the
// order ledger.
package orders

import (
	"errors"
	"strings"
	"time"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BrokerSide converts to the upstream API spelling
func (s Side) BrokerSide() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Status is the local order lifecycle state
type Status string

const (
	StatusPending   Status = "pending"
	StatusOngoing   Status = "ongoing"
	StatusClosed    Status = "closed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the order still occupies its instrument+side slot
func (s Status) Active() bool {
	return s == StatusPending || s == StatusOngoing
}

// Terminal reports whether no further transitions are possible.
// failed is not terminal: it can re-open to pending via retry.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// StatusFromBroker normalizes a raw broker status string into the closed
// local enumeration. Unknown strings map to ongoing: reconciliation must
// never fabricate a terminal state from a vocabulary it does not know.
func StatusFromBroker(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPEN", "NEW", "PENDING", "ACCEPTED", "TRIGGER_PENDING", "PARTIALLY_FILLED":
		return StatusOngoing
	case "COMPLETE", "FILLED", "EXECUTED", "DONE":
		return StatusClosed
	case "REJECTED", "FAILED", "ERROR":
		return StatusFailed
	case "CANCELLED", "CANCELED", "EXPIRED":
		return StatusCancelled
	default:
		return StatusOngoing
	}
}

// Order is the unit of broker interaction
type Order struct {
	ID            string     `json:"id"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"` // empty until acknowledged
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Quantity      float64    `json:"quantity"`
	Price         *float64   `json:"price,omitempty"` // nil for market orders
	Status        Status     `json:"status"`
	Shadow        bool       `json:"shadow,omitempty"` // adopted out-of-band broker order
	Reason        string     `json:"reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	FirstFailedAt *time.Time `json:"first_failed_at,omitempty"`
	FilledPrice   float64    `json:"filled_price,omitempty"`
	FilledAt      *time.Time `json:"filled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Intent is a requested order not yet recorded
type Intent struct {
	Symbol   string
	Side     Side
	Quantity float64
	Price    *float64
}

// Errors for order lifecycle management
var (
	ErrDuplicateIntent   = errors.New("active order already exists for instrument and side")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("illegal status transition")
	ErrInvalidIntent     = errors.New("invalid order intent")
)
