package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	databaseURL := os.Getenv("COMPTARIO_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set COMPTARIO_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))

	tenantID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		for _, table := range []string{"invoices", "sales", "quotes", "products", "audit_logs"} {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id = $1`, tenantID)
		}
		_ = s.Close()
	})
	return s, tenantID
}

func seedProduct(t *testing.T, s *Store, tenantID string, stock int) domain.Product {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), domain.Product{
		TenantID:     tenantID,
		Name:         "Integration Bracket",
		Category:     "hardware",
		UnitPrice:    decimal.NewFromInt(50),
		TaxRate:      decimal.NewNullDecimal(decimal.NewFromInt(18)),
		Stock:        stock,
		ReorderLevel: 2,
	})
	require.NoError(t, err)
	return *p
}

func TestSaleLifecycleMovesStock(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	product := seedProduct(t, s, tenantID, 10)

	sale := domain.Sale{
		TenantID:      tenantID,
		Status:        domain.SaleStatusCompleted,
		SourceQuoteID: "quote-it-1",
		Items: []domain.LineItem{
			{ProductID: product.ID, Quantity: 4, UnitPrice: decimal.NewFromInt(50)},
		},
	}
	domain.ApplySaleTotals(&sale)

	created, duplicate, err := s.CreateSale(ctx, sale, store.Effects{Stock: map[string]int{product.ID: -4}, CheckStock: true})
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Regexp(t, `^SAL-\d{4}-\d{2}-001$`, created.SaleNumber)

	again, duplicate, err := s.CreateSale(ctx, sale, store.Effects{Stock: map[string]int{product.ID: -4}, CheckStock: true})
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, created.ID, again.ID)

	got, err := s.GetProduct(ctx, tenantID, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Stock)

	_, _, err = s.CreateSale(ctx, domain.Sale{TenantID: tenantID, Status: domain.SaleStatusCompleted, Items: sale.Items},
		store.Effects{Stock: map[string]int{product.ID: -7}, CheckStock: true})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = s.UpdateSale(ctx, *created, created.UpdatedAt.Add(-time.Second), store.Effects{})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.DeleteSale(ctx, tenantID, created.ID, created.UpdatedAt, store.Effects{Stock: map[string]int{product.ID: 4}}))
	got, err = s.GetProduct(ctx, tenantID, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Stock)
}

func TestInvoiceVoidAndDelete(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	product := seedProduct(t, s, tenantID, 5)

	inv, err := s.CreateInvoice(ctx, domain.Invoice{
		TenantID: tenantID,
		Type:     domain.InvoiceTypeProduct,
		Status:   domain.InvoiceStatusSent,
		Items:    []domain.LineItem{{ProductID: product.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(50)}},
	}, store.Effects{})
	require.NoError(t, err)
	assert.Regexp(t, `^INV-\d{4}-\d{2}-001$`, inv.InvoiceNumber)

	assert.ErrorIs(t, s.DeleteInvoice(ctx, tenantID, inv.ID), store.ErrNotVoided)

	voidedAt := time.Now().UTC()
	inv.IsVoided = true
	inv.VoidReason = "entered twice"
	inv.VoidedAt = &voidedAt
	voided, err := s.UpdateInvoice(ctx, *inv, inv.UpdatedAt, store.Effects{Stock: map[string]int{product.ID: 2}})
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)
	assert.True(t, voided.UpdatedAt.After(inv.UpdatedAt))

	got, err := s.GetProduct(ctx, tenantID, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Stock)

	require.NoError(t, s.DeleteInvoice(ctx, tenantID, inv.ID))
	_, err = s.GetInvoice(ctx, tenantID, inv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuditLogsAreScopedByTenantAndDay(t *testing.T) {
	s, tenantID := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{TenantID: tenantID, ActorUsername: "admin", ActorRole: domain.RoleAdmin,
		Action: "sale.create", EntityType: "sale", EntityID: "s1", CreatedAt: now}))
	require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{TenantID: tenantID + "-other", ActorUsername: "admin", ActorRole: domain.RoleAdmin,
		Action: "sale.create", EntityType: "sale", EntityID: "s2", CreatedAt: now}))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE tenant_id = $1`, tenantID+"-other")
	})

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	logs, err := s.ListAuditLogs(ctx, tenantID, day, day.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "s1", logs[0].EntityID)
}
