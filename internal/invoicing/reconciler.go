package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/inventory"
	"comptario/backend/internal/notice"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/sales"
	"comptario/backend/internal/tenantstore"
)

var (
	ErrInvoiceNotVoided   = errors.New("invoice must be voided before deletion")
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrRefundIrreversible = errors.New("refund invoices cannot change back to a sale type")
)

// Reconciler keeps local product stock and linked sales in step with the
// invoice lifecycle. The backend is called first on every operation; local
// adjustments follow only once it has accepted the change.
type Reconciler struct {
	store    *tenantstore.Store
	api      remote.InvoicesAPI
	sales    *sales.Service
	stock    *inventory.State
	notifier notice.Notifier
	logger   *zap.Logger
	now      func() time.Time

	writeMu  sync.Mutex
	mu       sync.RWMutex
	invoices []domain.Invoice
}

type Option func(*Reconciler)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithNotifier(n notice.Notifier) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

func New(store *tenantstore.Store, api remote.InvoicesAPI, salesSvc *sales.Service, stock *inventory.State, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		api:      api,
		sales:    salesSvc,
		stock:    stock,
		notifier: notice.Discard{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Load(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var invoices []domain.Invoice
	if _, err := r.store.GetJSON(ctx, tenantstore.KeyInvoices, &invoices); err != nil {
		return err
	}
	r.setInvoices(invoices)
	return nil
}

func (r *Reconciler) Watch() (func(), error) {
	return r.store.OnRemoteChange(tenantstore.KeyInvoices, func(ctx context.Context, _ string) {
		if err := r.Load(ctx); err != nil {
			r.logger.Warn("reload invoices", zap.Error(err))
		}
	})
}

// Replace stores a fresh invoice list, typically hydrated from the backend.
func (r *Reconciler) Replace(ctx context.Context, invoices []domain.Invoice) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := append([]domain.Invoice{}, invoices...)
	if err := r.store.SetJSON(ctx, tenantstore.KeyInvoices, next); err != nil {
		return err
	}
	r.setInvoices(next)
	return nil
}

func (r *Reconciler) Invoices() []domain.Invoice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Invoice, len(r.invoices))
	copy(out, r.invoices)
	return out
}

func (r *Reconciler) Find(id string) (domain.Invoice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inv := range r.invoices {
		if inv.ID == id {
			return inv, true
		}
	}
	return domain.Invoice{}, false
}

// UpsertInvoice creates inv when it has no id and updates it otherwise.
func (r *Reconciler) UpsertInvoice(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	inv.Type = domain.NormalizeInvoiceType(string(inv.Type))
	if inv.ID == "" {
		return r.create(ctx, inv)
	}
	return r.update(ctx, inv)
}

func (r *Reconciler) create(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	derive := !inv.Type.IsRefund() && inv.SaleID == ""
	if derive {
		if err := r.stock.CheckAvailability(inv.Items); err != nil {
			return domain.Invoice{}, err
		}
	}

	created, err := r.api.Create(ctx, createRequest(inv))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}

	switch {
	case created.Type.IsRefund():
		// Refund documents move no stock when issued.
	case derive:
		created = r.attachDerivedSale(ctx, created)
	case created.SaleID != "":
		if _, err := r.sales.LinkInvoice(ctx, created.SaleID, created.ID); err != nil {
			r.logger.Warn("link sale to invoice", zap.String("sale_id", created.SaleID), zap.String("invoice_id", created.ID), zap.Error(err))
		}
	}

	if err := r.upsertLocal(ctx, created); err != nil {
		return domain.Invoice{}, err
	}
	return created, nil
}

// attachDerivedSale records the sale an invoice implies. The sale path
// decrements stock exactly once; the invoice is then pointed at the sale
// on the backend unless the sale only exists locally.
func (r *Reconciler) attachDerivedSale(ctx context.Context, inv domain.Invoice) domain.Invoice {
	outcome, err := r.sales.CreateDerived(ctx, domain.SaleCreateRequest{
		CustomerID:     inv.CustomerID,
		CustomerName:   inv.CustomerName,
		CustomerEmail:  inv.CustomerEmail,
		Items:          domain.CloneItems(inv.Items),
		DiscountAmount: inv.DiscountAmount,
		SourceQuoteID:  inv.SourceQuoteID,
		InvoiceID:      inv.ID,
		Notes:          inv.Notes,
	})
	if err != nil {
		r.logger.Warn("derived sale failed", zap.String("invoice_id", inv.ID), zap.Error(err))
		r.notifier.Notify(notice.LevelWarning, notice.CodeInvoiceLinkFailed,
			fmt.Sprintf("Invoice %s was created but its sale could not be recorded.", inv.InvoiceNumber))
		return inv
	}

	sale := outcome.Sale
	if sale.InvoiceID != inv.ID {
		if _, err := r.sales.LinkInvoice(ctx, sale.ID, inv.ID); err != nil {
			r.logger.Warn("link derived sale", zap.String("sale_id", sale.ID), zap.Error(err))
		}
	}
	inv.SaleID = sale.ID
	if outcome.Offline {
		return inv
	}

	saleID := sale.ID
	linked, err := r.api.Update(ctx, inv.ID, domain.InvoiceUpdateRequest{SaleID: &saleID})
	if err != nil {
		r.logger.Warn("link invoice to sale", zap.String("invoice_id", inv.ID), zap.String("sale_id", sale.ID), zap.Error(err))
		return inv
	}
	return linked
}

func (r *Reconciler) update(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	before, haveBefore := r.Find(inv.ID)
	if !haveBefore {
		fetched, err := r.api.Get(ctx, inv.ID)
		if err != nil {
			r.logger.Warn("before document unavailable, stock delta skipped", zap.String("invoice_id", inv.ID), zap.Error(err))
		} else {
			before, haveBefore = fetched, true
		}
	}
	if haveBefore && before.Type.IsRefund() && !inv.Type.IsRefund() {
		return domain.Invoice{}, ErrRefundIrreversible
	}

	updated, err := r.api.Update(ctx, inv.ID, updateRequest(inv))
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("update invoice: %w", err)
	}

	switch {
	case !haveBefore:
		r.notifier.Notify(notice.LevelWarning, notice.CodeStockSkipped,
			fmt.Sprintf("Stock was not adjusted for invoice %s; its previous version could not be loaded.", updated.InvoiceNumber))
	case before.IsVoided:
		// A voided invoice already gave its stock back.
	case !before.Type.IsRefund() && updated.Type.IsRefund():
		r.applyStock(ctx, updated.ID, reconcile.RefundRestock(updated.Items))
		r.setSaleStatus(ctx, updated.SaleID, domain.SaleStatusRefunded)
	default:
		r.applyStock(ctx, updated.ID, reconcile.ComputeDelta(before.Items, updated.Items))
	}

	if err := r.upsertLocal(ctx, updated); err != nil {
		return domain.Invoice{}, err
	}
	return updated, nil
}

// VoidInvoice voids on the backend, then returns each line's signed
// quantity to stock and cancels the linked sale.
func (r *Reconciler) VoidInvoice(ctx context.Context, id, reason string) (domain.Invoice, error) {
	cached, known := r.Find(id)
	voided, err := r.api.Void(ctx, id, reason)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("void invoice: %w", err)
	}
	if !known || !cached.IsVoided {
		r.applyStock(ctx, id, reconcile.VoidRestock(voided.Items))
		r.setSaleStatus(ctx, voided.SaleID, domain.SaleStatusCancelled)
	}
	if err := r.upsertLocal(ctx, voided); err != nil {
		return domain.Invoice{}, err
	}
	return voided, nil
}

// RestoreInvoice clears the void flags. Stock and the linked sale's status
// stay as the void left them.
func (r *Reconciler) RestoreInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	restored, err := r.api.Restore(ctx, id)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("restore invoice: %w", err)
	}
	if err := r.upsertLocal(ctx, restored); err != nil {
		return domain.Invoice{}, err
	}
	return restored, nil
}

// DeleteInvoice removes a voided invoice, backend first.
func (r *Reconciler) DeleteInvoice(ctx context.Context, id string) error {
	current, ok := r.Find(id)
	if !ok {
		fetched, err := r.api.Get(ctx, id)
		if errors.Is(err, remote.ErrNotFound) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		current = fetched
	}
	if !current.IsVoided {
		return ErrInvoiceNotVoided
	}
	if err := r.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	return r.mutate(ctx, func(list []domain.Invoice) []domain.Invoice {
		out := list[:0]
		for _, inv := range list {
			if inv.ID != id {
				out = append(out, inv)
			}
		}
		return out
	})
}

func (r *Reconciler) applyStock(ctx context.Context, invoiceID string, delta reconcile.Delta) {
	if delta.IsEmpty() {
		return
	}
	if _, err := r.stock.Apply(ctx, delta); err != nil {
		r.logger.Warn("apply invoice stock delta", zap.String("invoice_id", invoiceID), zap.Error(err))
		return
	}
	r.logger.Info("invoice stock reconciled", zap.String("invoice_id", invoiceID), zap.Any("delta", delta))
}

func (r *Reconciler) setSaleStatus(ctx context.Context, saleID string, status domain.SaleStatus) {
	if saleID == "" {
		return
	}
	if _, err := r.sales.SetStatus(ctx, saleID, status); err != nil {
		r.logger.Warn("update linked sale status", zap.String("sale_id", saleID), zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *Reconciler) upsertLocal(ctx context.Context, inv domain.Invoice) error {
	return r.mutate(ctx, func(list []domain.Invoice) []domain.Invoice {
		for i := range list {
			if list[i].ID == inv.ID {
				list[i] = inv
				return list
			}
		}
		return append([]domain.Invoice{inv}, list...)
	})
}

// mutate applies fn atomically to the stored list, or to the in-memory one
// when nothing is stored yet.
func (r *Reconciler) mutate(ctx context.Context, fn func([]domain.Invoice) []domain.Invoice) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, err := tenantstore.UpdateJSON(ctx, r.store, tenantstore.KeyInvoices, func(stored []domain.Invoice, found bool) ([]domain.Invoice, error) {
		if !found {
			stored = r.Invoices()
		}
		return fn(stored), nil
	})
	if err != nil {
		return err
	}
	r.setInvoices(next)
	return nil
}

func (r *Reconciler) setInvoices(invoices []domain.Invoice) {
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	r.mu.Lock()
	r.invoices = invoices
	r.mu.Unlock()
}

func createRequest(inv domain.Invoice) domain.InvoiceCreateRequest {
	req := domain.InvoiceCreateRequest{
		InvoiceNumber:     inv.InvoiceNumber,
		CustomerID:        inv.CustomerID,
		CustomerName:      inv.CustomerName,
		CustomerEmail:     inv.CustomerEmail,
		Items:             domain.CloneItems(inv.Items),
		DiscountAmount:    inv.DiscountAmount,
		Type:              inv.Type,
		Status:            inv.Status,
		SaleID:            inv.SaleID,
		RefundedInvoiceID: inv.RefundedInvoiceID,
		SourceQuoteID:     inv.SourceQuoteID,
		Notes:             inv.Notes,
	}
	if !inv.IssueDate.IsZero() {
		date := inv.IssueDate
		req.IssueDate = &date
	}
	return req
}

func updateRequest(inv domain.Invoice) domain.InvoiceUpdateRequest {
	discount := inv.DiscountAmount
	invType := inv.Type
	req := domain.InvoiceUpdateRequest{
		CustomerName:   &inv.CustomerName,
		CustomerEmail:  &inv.CustomerEmail,
		Items:          domain.CloneItems(inv.Items),
		DiscountAmount: &discount,
		Type:           &invType,
		Notes:          &inv.Notes,
	}
	if inv.Status != "" {
		status := inv.Status
		req.Status = &status
	}
	return req
}
