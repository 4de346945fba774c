package broker

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures. Callers branch on kind, never on
// message text.
type Kind int

const (
	// KindTransient covers timeouts and 5xx-equivalents; retriable with backoff
	KindTransient Kind = iota
	// KindAuth means the session expired or credentials were refused;
	// re-authenticate before any further call in the cycle
	KindAuth
	// KindRejected is a business-rule rejection; terminal for the attempt
	KindRejected
	// KindRateLimited means the upstream is throttling us; systemic for the cycle
	KindRateLimited
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure
type Error struct {
	Kind    Kind
	Op      string // gateway operation: place, cancel, modify, status, ...
	Message string // broker-supplied reason where available
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("broker %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("broker %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified gateway error
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError classifies an underlying error
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindTransient for
// unclassified failures so callers err on the side of retrying.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// Reason returns the broker-supplied reason, or the error text
func Reason(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsTransient reports whether err is retriable by the caller
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsAuth reports whether err requires re-authentication
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsRejected reports whether err is a terminal business-rule rejection
func IsRejected(err error) bool {
	return KindOf(err) == KindRejected
}

// IsRateLimited reports whether the upstream is throttling
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsSystemic reports whether err should short-circuit the remaining batch
// for the cycle instead of being isolated to one order.
func IsSystemic(err error) bool {
	k := KindOf(err)
	return k == KindAuth || k == KindRateLimited
}
