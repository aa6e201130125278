package reconcile

import "comptario/backend/internal/domain"

// Merge flattens the given replicas into one list keyed by keyOf. Entries
// keep the position of their first appearance while the value from the
// latest replica wins. Entries whose key is empty are dropped.
func Merge[T any](keyOf func(T) string, replicas ...[]T) []T {
	index := map[string]int{}
	var out []T
	for _, replica := range replicas {
		for _, item := range replica {
			key := keyOf(item)
			if key == "" {
				continue
			}
			if pos, ok := index[key]; ok {
				out[pos] = item
				continue
			}
			index[key] = len(out)
			out = append(out, item)
		}
	}
	if out == nil {
		out = []T{}
	}
	return out
}

// SaleKey is the composite identity used to reconcile sale replicas:
// "<saleNumber>#<id>", or the bare id when the sale has no number yet.
func SaleKey(sale domain.Sale) string {
	if sale.SaleNumber == "" {
		return sale.ID
	}
	if sale.ID == "" {
		return sale.SaleNumber + "#"
	}
	return sale.SaleNumber + "#" + sale.ID
}

// MergeSales reconciles the primary and mirror sales collections. The
// mirror wins on collision.
func MergeSales(primary, mirror []domain.Sale) []domain.Sale {
	return Merge(SaleKey, primary, mirror)
}
