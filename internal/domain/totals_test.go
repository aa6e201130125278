package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySaleTotalsExcludesTax(t *testing.T) {
	sale := Sale{Items: []LineItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(100), TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(18))},
		{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(50), TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(10))},
	}}

	ApplySaleTotals(&sale)

	assert.True(t, sale.Total.Equal(decimal.NewFromInt(250)), "total %s", sale.Total)
	assert.True(t, sale.TaxAmount.Equal(decimal.NewFromInt(41)), "tax %s", sale.TaxAmount)
	assert.True(t, sale.Items[0].Total.Equal(decimal.NewFromInt(200)))
}

func TestApplyInvoiceTotalsIncludesTaxAndDiscount(t *testing.T) {
	inv := Invoice{
		DiscountAmount: decimal.NewFromInt(8),
		Items: []LineItem{
			{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(100), TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(18))},
		},
	}

	ApplyInvoiceTotals(&inv)

	assert.True(t, inv.Total.Equal(decimal.NewFromInt(110)), "total %s", inv.Total)
}

func TestResolveTaxRatePrecedence(t *testing.T) {
	product := &Product{
		TaxRate:                 decimal.NewNullDecimal(decimal.NewFromInt(8)),
		CategoryTaxRateOverride: decimal.NewNullDecimal(decimal.NewFromInt(1)),
	}

	explicit := LineItem{TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(20))}
	assert.True(t, ResolveTaxRate(explicit, product).Equal(decimal.NewFromInt(20)))
	assert.True(t, ResolveTaxRate(LineItem{}, product).Equal(decimal.NewFromInt(1)))

	product.CategoryTaxRateOverride = decimal.NullDecimal{}
	assert.True(t, ResolveTaxRate(LineItem{}, product).Equal(decimal.NewFromInt(8)))
	assert.True(t, ResolveTaxRate(LineItem{}, nil).Equal(DefaultTaxRate))
}

func TestNextDocumentNumber(t *testing.T) {
	at := time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC)
	prefix := SaleNumberPrefix(at)
	require.Equal(t, "SAL-2026-03-", prefix)

	next := NextDocumentNumber(prefix, []string{"SAL-2026-03-007", "SAL-2026-02-010", "SAL-2026-03-OFF-AB12", "SAL-2026-03-002"})
	assert.Equal(t, "SAL-2026-03-008", next)
	assert.Equal(t, "SAL-2026-03-001", NextDocumentNumber(prefix, nil))
	assert.Equal(t, "SAL-2026-03-OFF-AB12", OfflineSaleNumber(at, "ab12"))
}

func TestNormalizeSaleStatus(t *testing.T) {
	assert.Equal(t, SaleStatusCompleted, NormalizeSaleStatus("invoiced"))
	assert.Equal(t, SaleStatusCompleted, NormalizeSaleStatus("created"))
	assert.Equal(t, SaleStatusCancelled, NormalizeSaleStatus("Canceled"))
	assert.Equal(t, SaleStatusRefunded, NormalizeSaleStatus("refunded"))
}

func TestDeriveProductStatus(t *testing.T) {
	assert.Equal(t, ProductStatusOutOfStock, DeriveProductStatus(0, 5))
	assert.Equal(t, ProductStatusLow, DeriveProductStatus(5, 5))
	assert.Equal(t, ProductStatusActive, DeriveProductStatus(6, 5))
}

func TestQuoteConvertible(t *testing.T) {
	assert.True(t, Quote{Status: QuoteStatusAccepted}.Convertible())
	assert.False(t, Quote{Status: QuoteStatusAccepted, ConvertedToSale: true}.Convertible())
	assert.False(t, Quote{Status: QuoteStatusSent}.Convertible())
}
