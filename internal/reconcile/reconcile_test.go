package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
)

func line(productID string, qty int) domain.LineItem {
	return domain.LineItem{ProductID: productID, Quantity: qty}
}

func TestComputeDeltaEditScenario(t *testing.T) {
	before := []domain.LineItem{line("p1", 5)}
	after := []domain.LineItem{line("p1", 3)}

	assert.Equal(t, Delta{"p1": 2}, ComputeDelta(before, after))
}

func TestComputeDeltaIdentityIsEmpty(t *testing.T) {
	lines := []domain.LineItem{line("p1", 2), line("p2", -1), line("", 9)}
	assert.True(t, ComputeDelta(lines, lines).IsEmpty())
}

func TestComputeDeltaIsAntisymmetric(t *testing.T) {
	a := []domain.LineItem{line("p1", 4), line("p2", 1), line("p1", 1)}
	b := []domain.LineItem{line("p2", 3), line("p3", 2)}

	assert.Equal(t, ComputeDelta(a, b), ComputeDelta(b, a).Negate())
	assert.Equal(t, Delta{"p1": 5, "p2": -2, "p3": -2}, ComputeDelta(a, b))
}

func TestComputeDeltaIgnoresFreeTextLines(t *testing.T) {
	delta := ComputeDelta([]domain.LineItem{line("", 3)}, []domain.LineItem{line("", 10), line("p1", 1)})
	assert.Equal(t, Delta{"p1": -1}, delta)
}

func TestComputeDeltaComposesAcrossEdits(t *testing.T) {
	v1 := []domain.LineItem{line("p1", 5)}
	v2 := []domain.LineItem{line("p1", 3), line("p2", 1)}
	v3 := []domain.LineItem{line("p2", 4)}

	stepwise := SaleDecrement(v1).Add(ComputeDelta(v1, v2)).Add(ComputeDelta(v2, v3))
	assert.Equal(t, SaleDecrement(v3), stepwise)
	assert.True(t, stepwise.Add(VoidRestock(v3)).IsEmpty())
}

func TestRestockHelpers(t *testing.T) {
	lines := []domain.LineItem{line("p1", 2), line("p2", -1), line("", 7)}

	assert.Equal(t, Delta{"p1": 2, "p2": 1}, RefundRestock(lines))
	assert.Equal(t, Delta{"p1": 2, "p2": -1}, VoidRestock(lines))
	assert.Equal(t, Delta{"p1": -2, "p2": 1}, SaleDecrement(lines))
}

func TestDeltaApplyAndKeys(t *testing.T) {
	stock := map[string]int{"p1": 10}
	delta := Delta{"p2": 1, "p1": -3}
	delta.Apply(stock)

	assert.Equal(t, map[string]int{"p1": 7, "p2": 1}, stock)
	assert.Equal(t, []string{"p1", "p2"}, delta.Keys())
	assert.Equal(t, map[string]int{"p1": 3}, delta.Required())
}

func sale(number, id string) domain.Sale {
	return domain.Sale{SaleNumber: number, ID: id}
}

func TestMergeSalesMirrorWinsAndKeepsOrder(t *testing.T) {
	primary := []domain.Sale{sale("SAL-1", "a"), sale("SAL-2", "b")}
	mirrorB := sale("SAL-2", "b")
	mirrorB.Notes = "mirror"
	mirror := []domain.Sale{sale("SAL-3", "c"), mirrorB}

	merged := MergeSales(primary, mirror)
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})
	assert.Equal(t, "mirror", merged[1].Notes)
}

func TestMergeSalesIsIdempotent(t *testing.T) {
	primary := []domain.Sale{sale("SAL-1", "a"), sale("", "b")}
	mirror := []domain.Sale{sale("SAL-1", "a"), sale("SAL-9", "z")}

	once := MergeSales(primary, mirror)
	assert.Equal(t, once, MergeSales(once, once))
	assert.Equal(t, once, MergeSales(once, nil))
}

func TestMergeSalesDisjointKeepsEverything(t *testing.T) {
	primary := []domain.Sale{sale("SAL-1", "a"), sale("", "b")}
	mirror := []domain.Sale{sale("SAL-2", "c"), sale("SAL-1", "d")}

	assert.Len(t, MergeSales(primary, mirror), 4)
}

func TestMergeSalesDropsUnidentifiedEntries(t *testing.T) {
	merged := MergeSales([]domain.Sale{{Notes: "ghost"}}, nil)
	assert.Empty(t, merged)
	assert.NotNil(t, merged)
}

func TestSaleKey(t *testing.T) {
	assert.Equal(t, "SAL-2026-01-001#s1", SaleKey(sale("SAL-2026-01-001", "s1")))
	assert.Equal(t, "s1", SaleKey(sale("", "s1")))
}

func TestSaleTransition(t *testing.T) {
	completed := domain.Sale{Status: domain.SaleStatusCompleted, Items: []domain.LineItem{line("p1", 3)}}
	edited := domain.Sale{Status: domain.SaleStatusCompleted, Items: []domain.LineItem{line("p1", 1)}}
	cancelled := domain.Sale{Status: domain.SaleStatusCancelled, Items: []domain.LineItem{line("p1", 1)}}

	assert.Equal(t, Delta{"p1": 2}, SaleTransition(completed, edited))
	assert.Equal(t, Delta{"p1": 3}, SaleTransition(completed, cancelled))
	assert.Equal(t, Delta{"p1": -1}, SaleTransition(cancelled, edited))
	assert.True(t, SaleTransition(cancelled, cancelled).IsEmpty())
}
