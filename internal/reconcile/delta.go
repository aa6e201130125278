package reconcile

import (
	"sort"

	"comptario/backend/internal/domain"
)

// Delta maps a product id to a signed stock adjustment. Positive values
// return units to stock, negative values consume them.
type Delta map[string]int

// ComputeDelta returns before minus after per product. Lines without a
// product id never move stock and zero entries are omitted.
func ComputeDelta(before, after []domain.LineItem) Delta {
	delta := Delta{}
	for id, qty := range quantities(before) {
		delta[id] += qty
	}
	for id, qty := range quantities(after) {
		delta[id] -= qty
	}
	return delta.compact()
}

// SaleDecrement is the adjustment for consuming lines once.
func SaleDecrement(lines []domain.LineItem) Delta {
	return ComputeDelta(nil, lines)
}

// VoidRestock puts back each line's signed quantity, so a voided return
// line takes its units out again.
func VoidRestock(lines []domain.LineItem) Delta {
	return ComputeDelta(lines, nil)
}

// RefundRestock returns the absolute quantity of every line to stock.
func RefundRestock(lines []domain.LineItem) Delta {
	delta := Delta{}
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		qty := line.Quantity
		if qty < 0 {
			qty = -qty
		}
		delta[line.ProductID] += qty
	}
	return delta.compact()
}

func (d Delta) Negate() Delta {
	out := make(Delta, len(d))
	for id, qty := range d {
		out[id] = -qty
	}
	return out
}

func (d Delta) Add(other Delta) Delta {
	out := make(Delta, len(d)+len(other))
	for id, qty := range d {
		out[id] += qty
	}
	for id, qty := range other {
		out[id] += qty
	}
	return out.compact()
}

// Apply adds the delta to stock in place.
func (d Delta) Apply(stock map[string]int) {
	for id, qty := range d {
		stock[id] += qty
	}
}

func (d Delta) IsEmpty() bool {
	for _, qty := range d {
		if qty != 0 {
			return false
		}
	}
	return true
}

func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d))
	for id := range d {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Required returns the units each product must still have available for
// the delta to apply, i.e. the negated negative entries.
func (d Delta) Required() map[string]int {
	out := map[string]int{}
	for id, qty := range d {
		if qty < 0 {
			out[id] = -qty
		}
	}
	return out
}

func (d Delta) compact() Delta {
	for id, qty := range d {
		if qty == 0 {
			delete(d, id)
		}
	}
	return d
}

func quantities(lines []domain.LineItem) map[string]int {
	out := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		out[line.ProductID] += line.Quantity
	}
	return out
}

// SaleTransition is the stock movement when a sale goes from before to
// after. Only sales in a stock-holding status consume inventory, so a
// cancellation returns everything and a reinstatement consumes again.
func SaleTransition(before, after domain.Sale) Delta {
	held, holds := before.Status.HoldsStock(), after.Status.HoldsStock()
	switch {
	case held && holds:
		return ComputeDelta(before.Items, after.Items)
	case held:
		return VoidRestock(before.Items)
	case holds:
		return SaleDecrement(after.Items)
	default:
		return Delta{}
	}
}
