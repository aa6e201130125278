package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/remote"
)

// The agent's HTTP client and this server must agree on routes and payloads.
func TestRemoteClientAgainstServer(t *testing.T) {
	server := httptest.NewServer(newTestAPI(t).Handler())
	t.Cleanup(server.Close)

	ctx := t.Context()
	client := remote.NewHTTPClient(server.URL, "", server.Client()).WithRetries(0, 0)
	resp, err := client.Login(ctx, "agent", "agent123")
	require.NoError(t, err)
	assert.Equal(t, "demo", resp.TenantID)

	apis := client.Clients()

	products, err := apis.Products.List(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 5)

	created, err := apis.Sales.Create(ctx, domain.SaleCreateRequest{Items: bracketLines(2), SourceQuoteID: "q-contract"})
	require.NoError(t, err)
	assert.False(t, created.Duplicate)

	dup, err := apis.Sales.Create(ctx, domain.SaleCreateRequest{Items: bracketLines(2), SourceQuoteID: "q-contract"})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	sales, err := apis.Sales.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	notes := "call before delivery"
	updated, err := apis.Sales.Update(ctx, created.Sale.ID, domain.SaleUpdateRequest{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)

	inv, err := apis.Invoices.Create(ctx, domain.InvoiceCreateRequest{Items: bracketLines(2), Type: domain.InvoiceTypeProduct, SaleID: created.Sale.ID})
	require.NoError(t, err)

	linked, err := apis.Sales.Get(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, linked.InvoiceID)

	voided, err := apis.Invoices.Void(ctx, inv.ID, "customer cancelled")
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)

	restored, err := apis.Invoices.Restore(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsVoided)

	_, err = apis.Invoices.Void(ctx, inv.ID, "entered twice")
	require.NoError(t, err)
	require.NoError(t, apis.Invoices.Delete(ctx, inv.ID))

	_, err = apis.Invoices.Get(ctx, inv.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.False(t, remote.IsUnavailable(err))

	require.NoError(t, apis.Sales.Delete(ctx, created.Sale.ID))

	stocked, err := apis.Products.UpdateStock(ctx, "p5", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, stocked.Stock)

	quotes, err := apis.Quotes.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, quotes)

	_, err = apis.Quotes.MarkConverted(ctx, "missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}
