package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the flat percentage used when neither the line nor the
// product carries a rate.
var DefaultTaxRate = decimal.NewFromInt(18)

var hundred = decimal.NewFromInt(100)

// ResolveTaxRate picks the effective percentage for a line: an explicit
// line rate, then the product's category override, then the product's own
// rate, then DefaultTaxRate. product may be nil for free-text lines.
func ResolveTaxRate(line LineItem, product *Product) decimal.Decimal {
	if line.TaxRate.Valid {
		return line.TaxRate.Decimal
	}
	if product != nil {
		if product.CategoryTaxRateOverride.Valid {
			return product.CategoryTaxRateOverride.Decimal
		}
		if product.TaxRate.Valid {
			return product.TaxRate.Decimal
		}
	}
	return DefaultTaxRate
}

// PriceLines fills Total on every line and returns the net subtotal and the
// tax amount. Lines with an unresolved rate contribute no tax.
func PriceLines(items []LineItem) ([]LineItem, decimal.Decimal, decimal.Decimal) {
	priced := make([]LineItem, len(items))
	subtotal := decimal.Zero
	tax := decimal.Zero
	for i, item := range items {
		item.Total = item.LineTotal()
		subtotal = subtotal.Add(item.Total)
		if item.TaxRate.Valid {
			tax = tax.Add(item.Total.Mul(item.TaxRate.Decimal).Div(hundred))
		}
		priced[i] = item
	}
	return priced, subtotal, tax.Round(2)
}

// ApplySaleTotals recomputes line totals, subtotal, tax and total. Sale
// totals are net of tax; TaxAmount is tracked alongside.
func ApplySaleTotals(sale *Sale) {
	items, subtotal, tax := PriceLines(sale.Items)
	sale.Items = items
	sale.Subtotal = subtotal
	sale.TaxAmount = tax
	sale.Total = subtotal.Sub(sale.DiscountAmount)
}

// ApplyInvoiceTotals recomputes an invoice's amounts; invoice totals include tax.
func ApplyInvoiceTotals(inv *Invoice) {
	items, subtotal, tax := PriceLines(inv.Items)
	inv.Items = items
	inv.Subtotal = subtotal
	inv.TaxAmount = tax
	inv.Total = subtotal.Add(tax).Sub(inv.DiscountAmount)
}

func ApplyQuoteTotals(quote *Quote) {
	items, subtotal, _ := PriceLines(quote.Items)
	quote.Items = items
	quote.Total = subtotal.Sub(quote.DiscountAmount)
}

func CloneItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

func SaleNumberPrefix(at time.Time) string {
	return fmt.Sprintf("SAL-%04d-%02d-", at.Year(), int(at.Month()))
}

func InvoiceNumberPrefix(at time.Time) string {
	return fmt.Sprintf("INV-%04d-%02d-", at.Year(), int(at.Month()))
}

// NextDocumentNumber returns prefix plus the sequence after the highest
// numeric suffix found among existing numbers sharing that prefix.
func NextDocumentNumber(prefix string, existing []string) string {
	maxSeq := 0
	for _, number := range existing {
		if !strings.HasPrefix(number, prefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(number, prefix))
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return fmt.Sprintf("%s%03d", prefix, maxSeq+1)
}

// OfflineSaleNumber tags a locally synthesized sale so it can never collide
// with a backend-assigned sequence.
func OfflineSaleNumber(at time.Time, suffix string) string {
	return SaleNumberPrefix(at) + "OFF-" + strings.ToUpper(suffix)
}
