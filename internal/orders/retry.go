package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/market"
)

// PlacementValidator re-runs the portfolio and balance checks a fresh
// placement would pass before an order is re-attempted.
type PlacementValidator interface {
	ValidatePlacement(ctx context.Context, order *Order) error
}

// RetryPolicy decides which failed orders are still retriable. The retry
// window closes at the end of the next trading session after the first
// failure; expiry is self-cleaning rather than a separate sweep.
type RetryPolicy struct {
	manager   *Manager
	calendar  *market.Calendar
	validator PlacementValidator
	logger    zerolog.Logger
}

// NewRetryPolicy creates the retry/expiry policy
func NewRetryPolicy(manager *Manager, calendar *market.Calendar, validator PlacementValidator, logger zerolog.Logger) *RetryPolicy {
	return &RetryPolicy{
		manager:   manager,
		calendar:  calendar,
		validator: validator,
		logger:    logger.With().Str("component", "RetryPolicy").Logger(),
	}
}

// ListRetriable returns failed orders whose retry window is still open as
// of asOf. Orders past the window are transitioned to cancelled with
// reason "expired without retry" as a side effect of this call.
func (p *RetryPolicy) ListRetriable(ctx context.Context, asOf time.Time) ([]*Order, error) {
	failed, err := p.manager.Store().ListByStatus(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}

	var retriable []*Order
	for _, order := range failed {
		failedAt := order.CreatedAt
		if order.FirstFailedAt != nil {
			failedAt = *order.FirstFailedAt
		}

		deadline := p.calendar.RetryDeadline(failedAt)
		if asOf.After(deadline) {
			if err := p.manager.MarkCancelled(ctx, order.ID, "expired without retry"); err != nil {
				p.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to expire order")
			}
			continue
		}
		retriable = append(retriable, order)
	}
	return retriable, nil
}

// Sweep lists retriable orders and re-attempts each one. A retry that
// fails validation or placement leaves the order failed and eligible for
// the next sweep, until expiry.
func (p *RetryPolicy) Sweep(ctx context.Context, asOf time.Time) error {
	retriable, err := p.ListRetriable(ctx, asOf)
	if err != nil {
		return err
	}

	for _, order := range retriable {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.validator != nil {
			if err := p.validator.ValidatePlacement(ctx, order); err != nil {
				p.logger.Info().
					Str("order_id", order.ID).
					Str("symbol", order.Symbol).
					Err(err).
					Msg("Retry skipped, placement constraints not met")
				continue
			}
		}

		if err := p.manager.RetryAttempt(ctx, order.ID); err != nil {
			p.logger.Warn().
				Str("order_id", order.ID).
				Str("symbol", order.Symbol).
				Err(err).
				Msg("Retry attempt failed")
			continue
		}

		// Re-read for the log: an attempt that failed again at the
		// broker has already bumped the count on the stored row.
		if refreshed, err := p.manager.Store().GetByID(ctx, order.ID); err == nil {
			order = refreshed
		}
		p.logger.Info().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Int("retry_count", order.RetryCount).
			Msg("Order retried")
	}
	return nil
}
