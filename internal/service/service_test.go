package service

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/store"
	"comptario/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, context.Context) {
	t.Helper()
	repo, err := memory.NewSeeded(memory.Seed{TenantID: "demo", AdminPassword: "admin-pass", AgentPassword: "agent-pass"})
	require.NoError(t, err)
	ctx := WithActor(context.Background(), domain.Actor{Username: "agent", Role: domain.RoleAgent, TenantID: "demo"})
	return New(repo), ctx
}

func stockOf(t *testing.T, svc *Service, ctx context.Context, id string) int {
	t.Helper()
	products, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == id {
			return p.Stock
		}
	}
	t.Fatalf("product %s not found", id)
	return 0
}

func lines(productID string, qty int) []domain.LineItem {
	return []domain.LineItem{{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(50)}}
}

func TestRequiresAuthenticatedTenant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ListSales(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	noTenant := WithActor(context.Background(), domain.Actor{Username: "agent", Role: domain.RoleAgent})
	_, err = svc.ListProducts(noTenant)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateSaleNumbersTotalsAndStock(t *testing.T) {
	svc, ctx := newTestService(t)

	resp, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 5)})
	require.NoError(t, err)

	sale := resp.Sale
	assert.False(t, resp.Duplicate)
	assert.True(t, strings.HasPrefix(sale.SaleNumber, "SAL-"), sale.SaleNumber)
	assert.True(t, strings.HasSuffix(sale.SaleNumber, "-001"), sale.SaleNumber)
	assert.True(t, decimal.NewFromInt(250).Equal(sale.Total), "total %s", sale.Total)
	assert.True(t, decimal.NewFromInt(45).Equal(sale.TaxAmount), "tax %s", sale.TaxAmount)
	assert.Equal(t, "Steel Bracket", sale.Items[0].ProductName)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.Equal(t, 115, stockOf(t, svc, ctx, "p1"))

	second, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 1)})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(second.Sale.SaleNumber, "-002"), second.Sale.SaleNumber)
}

func TestCreateSaleIsIdempotentBySourceQuote(t *testing.T) {
	svc, ctx := newTestService(t)
	req := domain.SaleCreateRequest{Items: lines("p1", 5), SourceQuoteID: "q1"}

	first, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	again, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sale.ID, again.Sale.ID)
	assert.Equal(t, 115, stockOf(t, svc, ctx, "p1"))

	sales, err := svc.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
}

func TestCreateSaleRejectsInsufficientStock(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: append(lines("p1", 1), lines("p3", 61)...)})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"), "rejected sale moves no stock")
	assert.Equal(t, 60, stockOf(t, svc, ctx, "p3"))
}

func TestCreateSaleValidatesLines(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.CreateSale(ctx, domain.SaleCreateRequest{})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", -1)})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestUpdateSaleMovesStockByDifferenceAndStatus(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 5)})
	require.NoError(t, err)

	updated, err := svc.UpdateSale(ctx, created.Sale.ID, domain.SaleUpdateRequest{Items: lines("p1", 3)})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(updated.Total))
	assert.Equal(t, 117, stockOf(t, svc, ctx, "p1"))

	cancelled := domain.SaleStatus("canceled")
	_, err = svc.UpdateSale(ctx, created.Sale.ID, domain.SaleUpdateRequest{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"))

	completed := domain.SaleStatusCompleted
	_, err = svc.UpdateSale(ctx, created.Sale.ID, domain.SaleUpdateRequest{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, 117, stockOf(t, svc, ctx, "p1"))
}

func TestDeleteSaleRestocksHeldStock(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 4)})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSale(ctx, created.Sale.ID))
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"))

	_, err = svc.GetSale(ctx, created.Sale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvoiceWithSaleIDLinksSale(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 2)})
	require.NoError(t, err)

	inv, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{SaleID: created.Sale.ID, Items: lines("p1", 2)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inv.InvoiceNumber, "INV-"))
	assert.Equal(t, domain.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, domain.InvoiceTypeProduct, inv.Type)
	assert.Equal(t, 118, stockOf(t, svc, ctx, "p1"), "invoice creation moves no stock")

	sale, err := svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, sale.InvoiceID)
}

func TestInvoiceEditAndRefundTransition(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 5)})
	require.NoError(t, err)
	inv, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{SaleID: created.Sale.ID, Items: lines("p1", 5)})
	require.NoError(t, err)

	_, err = svc.UpdateInvoice(ctx, inv.ID, domain.InvoiceUpdateRequest{Items: lines("p1", 3)})
	require.NoError(t, err)
	assert.Equal(t, 117, stockOf(t, svc, ctx, "p1"))

	refund := domain.InvoiceTypeReturn
	_, err = svc.UpdateInvoice(ctx, inv.ID, domain.InvoiceUpdateRequest{Type: &refund})
	require.NoError(t, err)
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"))
	sale, err := svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusRefunded, sale.Status)

	product := domain.InvoiceTypeProduct
	_, err = svc.UpdateInvoice(ctx, inv.ID, domain.InvoiceUpdateRequest{Type: &product})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestVoidRestoreDeleteLifecycle(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 4)})
	require.NoError(t, err)
	inv, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{SaleID: created.Sale.ID, Items: lines("p1", 4)})
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeleteInvoice(ctx, inv.ID), store.ErrNotVoided)

	voided, err := svc.VoidInvoice(ctx, inv.ID, " duplicate ")
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)
	assert.Equal(t, "duplicate", voided.VoidReason)
	assert.Equal(t, "agent", voided.VoidedBy)
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"))

	_, err = svc.VoidInvoice(ctx, inv.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, 120, stockOf(t, svc, ctx, "p1"))

	sale, err := svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)

	restored, err := svc.RestoreInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsVoided)
	assert.Nil(t, restored.VoidedAt)
	sale, err = svc.GetSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)

	_, err = svc.VoidInvoice(ctx, inv.ID, "")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteInvoice(ctx, inv.ID))
	_, err = svc.GetInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQuotesStatusAndConversionFlag(t *testing.T) {
	svc, ctx := newTestService(t)

	quote, err := svc.CreateQuote(ctx, domain.QuoteCreateRequest{ID: "q1", Items: lines("p1", 5)})
	require.NoError(t, err)
	assert.Equal(t, domain.QuoteStatusDraft, quote.Status)
	assert.True(t, decimal.NewFromInt(250).Equal(quote.Total))

	accepted, err := svc.SetQuoteStatus(ctx, "q1", domain.QuoteStatusAccepted)
	require.NoError(t, err)
	assert.True(t, accepted.Convertible())

	converted, err := svc.MarkQuoteConverted(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, converted.ConvertedToSale)

	_, err = svc.SetQuoteStatus(ctx, "q1", "bogus")
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = svc.MarkQuoteConverted(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTenantsAreIsolated(t *testing.T) {
	svc, ctx := newTestService(t)
	created, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: lines("p1", 1)})
	require.NoError(t, err)

	other := WithActor(context.Background(), domain.Actor{Username: "x", Role: domain.RoleAgent, TenantID: "other"})
	_, err = svc.GetSale(other, created.Sale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	products, err := svc.ListProducts(other)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestCreateProductAndAuditRequireAdmin(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Name: "Anchor"})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = svc.ListAuditLogs(ctx, "", 10)
	require.ErrorIs(t, err, ErrForbidden)

	admin := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin, TenantID: "demo"})
	product, err := svc.CreateProduct(admin, domain.ProductCreateRequest{Name: "Anchor", UnitPrice: decimal.NewFromInt(3), Stock: 3, ReorderLevel: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusLow, product.Status)

	logs, err := svc.ListAuditLogs(admin, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "product.create", logs[0].Action)
	assert.Equal(t, "demo", logs[0].TenantID)

	_, err = svc.ListAuditLogs(admin, "yesterday", 10)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}
