package orders

import (
	"context"
	"sort"
)

// Position is an open holding derived from the order ledger. Positions
// are a read-only projection over closed orders; nothing mutates them
// directly, which keeps the order/position dependency one-directional.
type Position struct {
	Symbol         string  `json:"symbol"`
	Quantity       float64 `json:"quantity"`
	AvgCost        float64 `json:"avg_cost"`
	BestExitTarget float64 `json:"best_exit_target,omitempty"`
}

// ProjectPositions folds closed orders into open positions: closed buys
// add at their fill price, closed sells reduce quantity at average cost.
func ProjectPositions(ledger []*Order) []Position {
	closed := make([]*Order, 0, len(ledger))
	for _, o := range ledger {
		if o.Status == StatusClosed && o.FilledPrice > 0 {
			closed = append(closed, o)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		ti, tj := closed[i].CreatedAt, closed[j].CreatedAt
		if closed[i].FilledAt != nil {
			ti = *closed[i].FilledAt
		}
		if closed[j].FilledAt != nil {
			tj = *closed[j].FilledAt
		}
		return ti.Before(tj)
	})

	type acc struct {
		qty  float64
		cost float64 // total cost basis
	}
	bySymbol := make(map[string]*acc)
	var symbols []string

	for _, o := range closed {
		a := bySymbol[o.Symbol]
		if a == nil {
			a = &acc{}
			bySymbol[o.Symbol] = a
			symbols = append(symbols, o.Symbol)
		}
		if o.Side == SideBuy {
			a.cost += o.FilledPrice * o.Quantity
			a.qty += o.Quantity
		} else {
			if a.qty > 0 {
				avg := a.cost / a.qty
				a.cost -= avg * o.Quantity
			}
			a.qty -= o.Quantity
		}
	}

	var positions []Position
	for _, symbol := range symbols {
		a := bySymbol[symbol]
		if a.qty <= 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:   symbol,
			Quantity: a.qty,
			AvgCost:  a.cost / a.qty,
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

// Positions recomputes the open-position projection from the store
func (m *Manager) Positions(ctx context.Context) ([]Position, error) {
	closed, err := m.store.ListByStatus(ctx, StatusClosed)
	if err != nil {
		return nil, err
	}
	return ProjectPositions(closed), nil
}
