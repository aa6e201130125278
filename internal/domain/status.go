package domain

import "strings"

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
	SaleStatusRefunded  SaleStatus = "refunded"
)

// NormalizeSaleStatus maps legacy and misspelled values onto the three
// lifecycle states. Unknown values fall back to completed.
func NormalizeSaleStatus(raw string) SaleStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cancelled", "canceled", "void", "voided":
		return SaleStatusCancelled
	case "refunded", "returned":
		return SaleStatusRefunded
	default:
		return SaleStatusCompleted
	}
}

func (s SaleStatus) Valid() bool {
	switch s {
	case SaleStatusCompleted, SaleStatusCancelled, SaleStatusRefunded:
		return true
	default:
		return false
	}
}

// HoldsStock reports whether a sale in this state still consumes inventory.
func (s SaleStatus) HoldsStock() bool {
	switch s {
	case SaleStatusCompleted:
		return true
	case SaleStatusCancelled, SaleStatusRefunded:
		return false
	default:
		return false
	}
}

type InvoiceType string

const (
	InvoiceTypeProduct InvoiceType = "product"
	InvoiceTypeService InvoiceType = "service"
	InvoiceTypeRefund  InvoiceType = "refund"
	InvoiceTypeReturn  InvoiceType = "return"
)

func NormalizeInvoiceType(raw string) InvoiceType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "service":
		return InvoiceTypeService
	case "refund":
		return InvoiceTypeRefund
	case "return":
		return InvoiceTypeReturn
	default:
		return InvoiceTypeProduct
	}
}

func (t InvoiceType) Valid() bool {
	switch t {
	case InvoiceTypeProduct, InvoiceTypeService, InvoiceTypeRefund, InvoiceTypeReturn:
		return true
	default:
		return false
	}
}

// IsRefund is true for documents whose quantities flow back into stock.
func (t InvoiceType) IsRefund() bool {
	switch t {
	case InvoiceTypeRefund, InvoiceTypeReturn:
		return true
	case InvoiceTypeProduct, InvoiceTypeService:
		return false
	default:
		return false
	}
}

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "draft"
	QuoteStatusSent     QuoteStatus = "sent"
	QuoteStatusAccepted QuoteStatus = "accepted"
	QuoteStatusDeclined QuoteStatus = "declined"
	QuoteStatusExpired  QuoteStatus = "expired"
)

func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusAccepted, QuoteStatusDeclined, QuoteStatusExpired:
		return true
	default:
		return false
	}
}

// Convertible reports whether a quote is waiting to become a sale.
func (q Quote) Convertible() bool {
	if q.ConvertedToSale {
		return false
	}
	switch q.Status {
	case QuoteStatusAccepted:
		return true
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusDeclined, QuoteStatusExpired:
		return false
	default:
		return false
	}
}

type ProductStatus string

const (
	ProductStatusActive     ProductStatus = "active"
	ProductStatusLow        ProductStatus = "low"
	ProductStatusOutOfStock ProductStatus = "out-of-stock"
)

func DeriveProductStatus(stock int, reorderLevel int) ProductStatus {
	switch {
	case stock <= 0:
		return ProductStatusOutOfStock
	case stock <= reorderLevel:
		return ProductStatusLow
	default:
		return ProductStatusActive
	}
}
