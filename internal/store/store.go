package store

import (
	"context"
	"errors"
	"time"

	"comptario/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrNotVoided          = errors.New("invoice must be voided before deletion")
	// ErrConflict means the record changed between the caller's read and
	// its write.
	ErrConflict = errors.New("concurrent modification")
)

// Effects are the side effects a document write carries. They are applied
// in the same transaction as the write itself.
type Effects struct {
	// Stock holds signed per-product adjustments.
	Stock map[string]int
	// CheckStock rejects the write with ErrInsufficientStock when any
	// adjustment would take a product below zero. Without it stock is
	// clamped at zero.
	CheckStock bool

	// SaleID names a sale to touch alongside the document.
	SaleID        string
	SaleStatus    domain.SaleStatus
	SaleInvoiceID string
}

// TouchesSale reports whether the effects update a linked sale.
func (e Effects) TouchesSale() bool {
	return e.SaleID != "" && (e.SaleStatus != "" || e.SaleInvoiceID != "")
}

// Repository is the backend's persistence. Every read and write is scoped
// to a tenant.
type Repository interface {
	ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, tenantID string, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductStock(ctx context.Context, tenantID string, id string, stock int) (*domain.Product, error)

	ListSales(ctx context.Context, tenantID string) ([]domain.Sale, error)
	GetSale(ctx context.Context, tenantID string, id string) (*domain.Sale, error)
	FindSaleBySourceQuote(ctx context.Context, tenantID string, quoteID string) (*domain.Sale, error)
	// CreateSale assigns the next sale number when none is set. A sale with
	// the same SourceQuoteID is returned unchanged with duplicate=true and
	// no effects applied.
	CreateSale(ctx context.Context, sale domain.Sale, effects Effects) (created *domain.Sale, duplicate bool, err error)
	UpdateSale(ctx context.Context, sale domain.Sale, expectedUpdatedAt time.Time, effects Effects) (*domain.Sale, error)
	DeleteSale(ctx context.Context, tenantID string, id string, expectedUpdatedAt time.Time, effects Effects) error

	ListInvoices(ctx context.Context, tenantID string) ([]domain.Invoice, error)
	GetInvoice(ctx context.Context, tenantID string, id string) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, inv domain.Invoice, effects Effects) (*domain.Invoice, error)
	UpdateInvoice(ctx context.Context, inv domain.Invoice, expectedUpdatedAt time.Time, effects Effects) (*domain.Invoice, error)
	DeleteInvoice(ctx context.Context, tenantID string, id string) error

	ListQuotes(ctx context.Context, tenantID string) ([]domain.Quote, error)
	GetQuote(ctx context.Context, tenantID string, id string) (*domain.Quote, error)
	CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error)
	UpdateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
