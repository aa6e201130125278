// Package remotefake is an in-memory stand-in for the backend API with
// call counting and failure injection, used by engine tests.
package remotefake

import (
	"context"
	"net/http"
	"sync"
	"time"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/xid"
)

const (
	OpSaleCreate       = "sales.create"
	OpSaleUpdate       = "sales.update"
	OpSaleDelete       = "sales.delete"
	OpSaleGet          = "sales.get"
	OpSaleList         = "sales.list"
	OpInvoiceCreate    = "invoices.create"
	OpInvoiceUpdate    = "invoices.update"
	OpInvoiceVoid      = "invoices.void"
	OpInvoiceRestore   = "invoices.restore"
	OpInvoiceDelete    = "invoices.delete"
	OpInvoiceGet       = "invoices.get"
	OpInvoiceList      = "invoices.list"
	OpProductList      = "products.list"
	OpProductStock     = "products.update_stock"
	OpQuoteList        = "quotes.list"
	OpQuoteMarkConvert = "quotes.mark_converted"
)

// ErrUnavailable is what injected outages return; remote.IsUnavailable
// reports true for it.
var ErrUnavailable = &remote.HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "backend unavailable"}

type Backend struct {
	mu       sync.Mutex
	tenantID string
	now      func() time.Time
	sales    []domain.Sale
	invoices []domain.Invoice
	products []domain.Product
	quotes   []domain.Quote
	calls    map[string]int
	failures map[string]error
}

func New(tenantID string) *Backend {
	return &Backend{
		tenantID: tenantID,
		now:      time.Now,
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (b *Backend) Clients() remote.Clients {
	return remote.Clients{
		Sales:    salesAPI{b},
		Invoices: invoicesAPI{b},
		Products: productsAPI{b},
		Quotes:   quotesAPI{b},
	}
}

func (b *Backend) SeedProducts(products ...domain.Product) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range products {
		p.TenantID = b.tenantID
		p.Status = domain.DeriveProductStatus(p.Stock, p.ReorderLevel)
		b.products = append(b.products, p)
	}
}

func (b *Backend) SeedQuotes(quotes ...domain.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range quotes {
		q.TenantID = b.tenantID
		domain.ApplyQuoteTotals(&q)
		b.quotes = append(b.quotes, q)
	}
}

// SeedInvoice stores inv as if it had been created earlier, without any
// stock effect.
func (b *Backend) SeedInvoice(inv domain.Invoice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv.TenantID = b.tenantID
	b.invoices = append(b.invoices, inv)
}

// Fail makes every call to op return err until Recover is called.
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	b.failures[op] = err
	b.mu.Unlock()
}

func (b *Backend) Recover(op string) {
	b.mu.Lock()
	delete(b.failures, op)
	b.mu.Unlock()
}

func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) Sales() []domain.Sale {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Sale(nil), b.sales...)
}

func (b *Backend) Invoices() []domain.Invoice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Invoice(nil), b.invoices...)
}

func (b *Backend) Product(id string) (domain.Product, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (b *Backend) Quote(id string) (domain.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.quotes {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Quote{}, false
}

// enter records the call and returns the injected failure, if any. The
// caller must hold b.mu.
func (b *Backend) enter(op string) error {
	b.calls[op]++
	return b.failures[op]
}

func notFound(what string) error {
	return &remote.HTTPError{StatusCode: http.StatusNotFound, Message: what + " not found"}
}

func conflict(msg string) error {
	return &remote.HTTPError{StatusCode: http.StatusConflict, Message: msg}
}

func (b *Backend) saleIndex(id string) int {
	for i, s := range b.sales {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (b *Backend) invoiceIndex(id string) int {
	for i, inv := range b.invoices {
		if inv.ID == id {
			return i
		}
	}
	return -1
}

func (b *Backend) applyStock(delta reconcile.Delta, check bool) error {
	if check {
		for i := range b.products {
			if need, ok := delta.Required()[b.products[i].ID]; ok && b.products[i].Stock < need {
				return conflict("insufficient stock for " + b.products[i].Name)
			}
		}
	}
	for i := range b.products {
		if adj, ok := delta[b.products[i].ID]; ok {
			b.products[i].Stock = max(b.products[i].Stock+adj, 0)
			b.products[i].Status = domain.DeriveProductStatus(b.products[i].Stock, b.products[i].ReorderLevel)
		}
	}
	return nil
}

func (b *Backend) setSaleStatus(id string, status domain.SaleStatus) {
	if idx := b.saleIndex(id); idx >= 0 {
		b.sales[idx].Status = status
	}
}

type salesAPI struct{ b *Backend }

func (a salesAPI) Create(_ context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSaleCreate); err != nil {
		return domain.SaleCreateResponse{}, err
	}
	if req.SourceQuoteID != "" {
		for _, s := range b.sales {
			if s.SourceQuoteID == req.SourceQuoteID {
				return domain.SaleCreateResponse{Sale: s, Duplicate: true}, nil
			}
		}
	}
	if err := b.applyStock(reconcile.SaleDecrement(req.Items), true); err != nil {
		return domain.SaleCreateResponse{}, err
	}

	now := b.now().UTC()
	numbers := make([]string, 0, len(b.sales))
	for _, s := range b.sales {
		numbers = append(numbers, s.SaleNumber)
	}
	sale := domain.Sale{
		ID:             xid.New("sale"),
		SaleNumber:     domain.NextDocumentNumber(domain.SaleNumberPrefix(now), numbers),
		TenantID:       b.tenantID,
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Items:          domain.CloneItems(req.Items),
		DiscountAmount: req.DiscountAmount,
		Status:         domain.SaleStatusCompleted,
		SourceQuoteID:  req.SourceQuoteID,
		InvoiceID:      req.InvoiceID,
		Notes:          req.Notes,
		SaleDate:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	domain.ApplySaleTotals(&sale)
	b.sales = append(b.sales, sale)
	return domain.SaleCreateResponse{Sale: sale}, nil
}

func (a salesAPI) Update(_ context.Context, id string, req domain.SaleUpdateRequest) (domain.Sale, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSaleUpdate); err != nil {
		return domain.Sale{}, err
	}
	idx := b.saleIndex(id)
	if idx < 0 {
		return domain.Sale{}, notFound("sale")
	}
	before := b.sales[idx]
	sale := before
	if req.Items != nil {
		sale.Items = domain.CloneItems(req.Items)
	}
	if req.CustomerName != nil {
		sale.CustomerName = *req.CustomerName
	}
	if req.CustomerEmail != nil {
		sale.CustomerEmail = *req.CustomerEmail
	}
	if req.DiscountAmount != nil {
		sale.DiscountAmount = *req.DiscountAmount
	}
	if req.Status != nil {
		sale.Status = *req.Status
	}
	if req.InvoiceID != nil {
		sale.InvoiceID = *req.InvoiceID
	}
	if req.Notes != nil {
		sale.Notes = *req.Notes
	}
	if err := b.applyStock(reconcile.SaleTransition(before, sale), true); err != nil {
		return domain.Sale{}, err
	}
	domain.ApplySaleTotals(&sale)
	sale.UpdatedAt = b.now().UTC()
	b.sales[idx] = sale
	return sale, nil
}

func (a salesAPI) Delete(_ context.Context, id string) error {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSaleDelete); err != nil {
		return err
	}
	idx := b.saleIndex(id)
	if idx < 0 {
		return notFound("sale")
	}
	sale := b.sales[idx]
	if sale.Status.HoldsStock() {
		_ = b.applyStock(reconcile.VoidRestock(sale.Items), false)
	}
	b.sales = append(b.sales[:idx], b.sales[idx+1:]...)
	return nil
}

func (a salesAPI) Get(_ context.Context, id string) (domain.Sale, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSaleGet); err != nil {
		return domain.Sale{}, err
	}
	idx := b.saleIndex(id)
	if idx < 0 {
		return domain.Sale{}, notFound("sale")
	}
	return b.sales[idx], nil
}

func (a salesAPI) List(context.Context) ([]domain.Sale, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSaleList); err != nil {
		return nil, err
	}
	return append([]domain.Sale(nil), b.sales...), nil
}

type invoicesAPI struct{ b *Backend }

func (a invoicesAPI) Create(_ context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceCreate); err != nil {
		return domain.Invoice{}, err
	}
	now := b.now().UTC()
	numbers := make([]string, 0, len(b.invoices))
	for _, inv := range b.invoices {
		numbers = append(numbers, inv.InvoiceNumber)
	}
	status := req.Status
	if status == "" {
		status = domain.InvoiceStatusDraft
	}
	inv := domain.Invoice{
		ID:                xid.New("inv"),
		InvoiceNumber:     domain.NextDocumentNumber(domain.InvoiceNumberPrefix(now), numbers),
		TenantID:          b.tenantID,
		CustomerID:        req.CustomerID,
		CustomerName:      req.CustomerName,
		CustomerEmail:     req.CustomerEmail,
		Items:             domain.CloneItems(req.Items),
		DiscountAmount:    req.DiscountAmount,
		Type:              domain.NormalizeInvoiceType(string(req.Type)),
		Status:            status,
		SaleID:            req.SaleID,
		RefundedInvoiceID: req.RefundedInvoiceID,
		SourceQuoteID:     req.SourceQuoteID,
		Notes:             req.Notes,
		IssueDate:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	domain.ApplyInvoiceTotals(&inv)
	if inv.SaleID != "" {
		if idx := b.saleIndex(inv.SaleID); idx >= 0 {
			b.sales[idx].InvoiceID = inv.ID
		}
	}
	b.invoices = append(b.invoices, inv)
	return inv, nil
}

func (a invoicesAPI) Update(_ context.Context, id string, req domain.InvoiceUpdateRequest) (domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceUpdate); err != nil {
		return domain.Invoice{}, err
	}
	idx := b.invoiceIndex(id)
	if idx < 0 {
		return domain.Invoice{}, notFound("invoice")
	}
	inv := b.invoices[idx]
	nextType := inv.Type
	if req.Type != nil {
		nextType = *req.Type
	}
	nextItems := inv.Items
	if req.Items != nil {
		nextItems = req.Items
	}
	if !inv.IsVoided {
		switch {
		case !inv.Type.IsRefund() && nextType.IsRefund():
			_ = b.applyStock(reconcile.RefundRestock(nextItems), false)
			b.setSaleStatus(inv.SaleID, domain.SaleStatusRefunded)
		case req.Items != nil:
			_ = b.applyStock(reconcile.ComputeDelta(inv.Items, nextItems), false)
		}
	}
	inv.Type = nextType
	inv.Items = domain.CloneItems(nextItems)
	if req.CustomerName != nil {
		inv.CustomerName = *req.CustomerName
	}
	if req.CustomerEmail != nil {
		inv.CustomerEmail = *req.CustomerEmail
	}
	if req.DiscountAmount != nil {
		inv.DiscountAmount = *req.DiscountAmount
	}
	if req.Status != nil {
		inv.Status = *req.Status
	}
	if req.SaleID != nil {
		inv.SaleID = *req.SaleID
		if sidx := b.saleIndex(inv.SaleID); sidx >= 0 {
			b.sales[sidx].InvoiceID = inv.ID
		}
	}
	if req.Notes != nil {
		inv.Notes = *req.Notes
	}
	domain.ApplyInvoiceTotals(&inv)
	inv.UpdatedAt = b.now().UTC()
	b.invoices[idx] = inv
	return inv, nil
}

func (a invoicesAPI) Void(_ context.Context, id, reason string) (domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceVoid); err != nil {
		return domain.Invoice{}, err
	}
	idx := b.invoiceIndex(id)
	if idx < 0 {
		return domain.Invoice{}, notFound("invoice")
	}
	inv := b.invoices[idx]
	if inv.IsVoided {
		return inv, nil
	}
	_ = b.applyStock(reconcile.VoidRestock(inv.Items), false)
	b.setSaleStatus(inv.SaleID, domain.SaleStatusCancelled)
	now := b.now().UTC()
	inv.IsVoided = true
	inv.VoidReason = reason
	inv.VoidedAt = &now
	inv.UpdatedAt = now
	b.invoices[idx] = inv
	return inv, nil
}

func (a invoicesAPI) Restore(_ context.Context, id string) (domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceRestore); err != nil {
		return domain.Invoice{}, err
	}
	idx := b.invoiceIndex(id)
	if idx < 0 {
		return domain.Invoice{}, notFound("invoice")
	}
	inv := b.invoices[idx]
	inv.IsVoided = false
	inv.VoidReason = ""
	inv.VoidedAt = nil
	inv.UpdatedAt = b.now().UTC()
	b.invoices[idx] = inv
	return inv, nil
}

func (a invoicesAPI) Delete(_ context.Context, id string) error {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceDelete); err != nil {
		return err
	}
	idx := b.invoiceIndex(id)
	if idx < 0 {
		return notFound("invoice")
	}
	if !b.invoices[idx].IsVoided {
		return conflict("invoice must be voided before deletion")
	}
	b.invoices = append(b.invoices[:idx], b.invoices[idx+1:]...)
	return nil
}

func (a invoicesAPI) Get(_ context.Context, id string) (domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceGet); err != nil {
		return domain.Invoice{}, err
	}
	idx := b.invoiceIndex(id)
	if idx < 0 {
		return domain.Invoice{}, notFound("invoice")
	}
	return b.invoices[idx], nil
}

func (a invoicesAPI) List(context.Context) ([]domain.Invoice, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpInvoiceList); err != nil {
		return nil, err
	}
	return append([]domain.Invoice(nil), b.invoices...), nil
}

type productsAPI struct{ b *Backend }

func (a productsAPI) List(context.Context) ([]domain.Product, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpProductList); err != nil {
		return nil, err
	}
	return append([]domain.Product(nil), b.products...), nil
}

func (a productsAPI) UpdateStock(_ context.Context, id string, stock int) (domain.Product, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpProductStock); err != nil {
		return domain.Product{}, err
	}
	for i := range b.products {
		if b.products[i].ID == id {
			b.products[i].Stock = max(stock, 0)
			b.products[i].Status = domain.DeriveProductStatus(b.products[i].Stock, b.products[i].ReorderLevel)
			return b.products[i], nil
		}
	}
	return domain.Product{}, notFound("product")
}

type quotesAPI struct{ b *Backend }

func (a quotesAPI) List(context.Context) ([]domain.Quote, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpQuoteList); err != nil {
		return nil, err
	}
	return append([]domain.Quote(nil), b.quotes...), nil
}

func (a quotesAPI) MarkConverted(_ context.Context, id string) (domain.Quote, error) {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpQuoteMarkConvert); err != nil {
		return domain.Quote{}, err
	}
	for i := range b.quotes {
		if b.quotes[i].ID == id {
			b.quotes[i].ConvertedToSale = true
			return b.quotes[i], nil
		}
	}
	return domain.Quote{}, notFound("quote")
}
