// Package remote declares the authoritative backend collaborators the
// reconciliation engine talks to, and an HTTP implementation of them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"comptario/backend/internal/domain"
)

var ErrNotFound = errors.New("not found")

type SalesAPI interface {
	Create(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error)
	Update(ctx context.Context, id string, req domain.SaleUpdateRequest) (domain.Sale, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Sale, error)
	List(ctx context.Context) ([]domain.Sale, error)
}

type InvoicesAPI interface {
	Create(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error)
	Update(ctx context.Context, id string, req domain.InvoiceUpdateRequest) (domain.Invoice, error)
	Void(ctx context.Context, id, reason string) (domain.Invoice, error)
	Restore(ctx context.Context, id string) (domain.Invoice, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Invoice, error)
	List(ctx context.Context) ([]domain.Invoice, error)
}

type ProductsAPI interface {
	List(ctx context.Context) ([]domain.Product, error)
	UpdateStock(ctx context.Context, id string, stock int) (domain.Product, error)
}

type QuotesAPI interface {
	List(ctx context.Context) ([]domain.Quote, error)
	MarkConverted(ctx context.Context, id string) (domain.Quote, error)
}

// Clients bundles one implementation of every collaborator.
type Clients struct {
	Sales    SalesAPI
	Invoices InvoicesAPI
	Products ProductsAPI
	Quotes   QuotesAPI
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsUnavailable reports whether err means the backend could not be
// reached or failed on its side, as opposed to rejecting the request.
// Callers fall back to local-only records only in that case.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
