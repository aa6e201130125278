package sales

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/inventory"
	"comptario/backend/internal/notice"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/xid"
)

// Outcome describes how a create request was resolved.
type Outcome struct {
	Sale domain.Sale
	// Duplicate is set when the backend already had a sale for the source quote.
	Duplicate bool
	// Offline is set when the backend could not be reached and a local-only
	// sale stands in for the authoritative one.
	Offline bool
	// Reused is set when an offline outcome returned a local-only sale that
	// was already recorded for the same source quote.
	Reused bool
	// Cause is the backend error behind an offline outcome.
	Cause error
}

type Service struct {
	controller *Controller
	inventory  *inventory.State
	sales      remote.SalesAPI
	products   remote.ProductsAPI
	notifier   notice.Notifier
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNotifier(n notice.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(controller *Controller, inv *inventory.State, salesAPI remote.SalesAPI, productsAPI remote.ProductsAPI, opts ...Option) *Service {
	s := &Service{
		controller: controller,
		inventory:  inv,
		sales:      salesAPI,
		products:   productsAPI,
		notifier:   notice.Discard{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Controller() *Controller {
	return s.controller
}

// UpsertSale creates sale when it has no id and updates it otherwise.
// Stock availability is checked before anything is written.
func (s *Service) UpsertSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	if sale.ID == "" {
		if err := s.inventory.CheckAvailability(sale.Items); err != nil {
			return domain.Sale{}, err
		}
		outcome, err := s.Create(ctx, createRequest(sale))
		if err != nil {
			return domain.Sale{}, err
		}
		return outcome.Sale, nil
	}
	return s.update(ctx, sale)
}

// Create sends req to the backend and adopts the result locally. When the
// backend is unavailable the sale is recorded as local-only instead; any
// other backend error is returned untouched.
func (s *Service) Create(ctx context.Context, req domain.SaleCreateRequest) (Outcome, error) {
	resp, err := s.sales.Create(ctx, req)
	if err != nil {
		if !remote.IsUnavailable(err) {
			return Outcome{}, fmt.Errorf("create sale: %w", err)
		}
		sale, reused, localErr := s.createLocalOnly(ctx, req, err)
		if localErr != nil {
			return Outcome{}, localErr
		}
		return Outcome{Sale: sale, Offline: true, Reused: reused, Cause: err}, nil
	}
	if err := s.Adopt(ctx, resp); err != nil {
		return Outcome{}, err
	}
	return Outcome{Sale: resp.Sale, Duplicate: resp.Duplicate}, nil
}

// CreateDerived creates the sale behind a freshly issued invoice.
func (s *Service) CreateDerived(ctx context.Context, req domain.SaleCreateRequest) (Outcome, error) {
	outcome, err := s.Create(ctx, req)
	if err == nil {
		s.logger.Info("derived sale created", zap.String("sale_id", outcome.Sale.ID), zap.Bool("offline", outcome.Offline))
	}
	return outcome, err
}

// Adopt merges an authoritative sale into the canonical list. Stock is
// decremented only for a sale this process has never recorded: duplicates
// were counted by whoever created them and a local-only placeholder was
// counted when it was synthesized.
func (s *Service) Adopt(ctx context.Context, resp domain.SaleCreateResponse) error {
	sale := resp.Sale
	sale.LocalOnly = false
	replaced, err := s.controller.Upsert(ctx, sale)
	if err != nil {
		return err
	}
	if resp.Duplicate || replaced != nil || !sale.Status.HoldsStock() {
		if replaced != nil && replaced.LocalOnly {
			s.logger.Info("replaced local-only sale", zap.String("placeholder_id", replaced.ID), zap.String("sale_id", sale.ID))
		}
		return nil
	}
	if _, err := s.inventory.Apply(ctx, reconcile.SaleDecrement(sale.Items)); err != nil {
		s.logger.Warn("apply sale stock decrement", zap.String("sale_id", sale.ID), zap.Error(err))
	}
	return nil
}

func (s *Service) createLocalOnly(ctx context.Context, req domain.SaleCreateRequest, cause error) (domain.Sale, bool, error) {
	if existing, ok := s.controller.FindBySourceQuote(req.SourceQuoteID); ok {
		s.logger.Info("reusing local sale for quote", zap.String("quote_id", req.SourceQuoteID), zap.String("sale_id", existing.ID))
		return existing, true, nil
	}

	now := s.now().UTC()
	sale := domain.Sale{
		ID:             xid.New("sale"),
		SaleNumber:     domain.OfflineSaleNumber(now, xid.Suffix(4)),
		TenantID:       s.controller.store.TenantID(),
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Items:          domain.CloneItems(req.Items),
		DiscountAmount: req.DiscountAmount,
		Status:         domain.SaleStatusCompleted,
		SourceQuoteID:  req.SourceQuoteID,
		InvoiceID:      req.InvoiceID,
		LocalOnly:      true,
		Notes:          req.Notes,
		SaleDate:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.SaleDate != nil {
		sale.SaleDate = req.SaleDate.UTC()
	}
	domain.ApplySaleTotals(&sale)

	if _, err := s.controller.Upsert(ctx, sale); err != nil {
		return domain.Sale{}, false, err
	}
	changed, err := s.inventory.Apply(ctx, reconcile.SaleDecrement(sale.Items))
	if err != nil {
		s.logger.Warn("apply local-only stock decrement", zap.String("sale_id", sale.ID), zap.Error(err))
	}
	// A quote conversion is retried against the backend, which decrements
	// stock itself when the create finally lands.
	if req.SourceQuoteID == "" {
		s.pushStock(ctx, changed)
	}

	s.logger.Info("sale recorded locally", zap.String("sale_id", sale.ID), zap.String("sale_number", sale.SaleNumber), zap.Error(cause))
	s.notifier.Notify(notice.LevelInfo, notice.CodeSaleOffline,
		fmt.Sprintf("Sale %s was saved on this device and will sync when the server is reachable.", sale.SaleNumber))
	return sale, false, nil
}

// pushStock mirrors locally computed stock to the backend while it has no
// record of the sale that moved it. Failures only get logged.
func (s *Service) pushStock(ctx context.Context, changed []domain.Product) {
	if s.products == nil {
		return
	}
	for _, p := range changed {
		if _, err := s.products.UpdateStock(ctx, p.ID, p.Stock); err != nil {
			s.logger.Warn("stock fallback update failed", zap.String("product_id", p.ID), zap.Int("stock", p.Stock), zap.Error(err))
		}
	}
}

func (s *Service) update(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	existing, ok := s.controller.Find(sale.ID)
	if !ok {
		return domain.Sale{}, ErrSaleNotFound
	}
	if sale.Status == "" {
		sale.Status = existing.Status
	}
	delta := reconcile.SaleTransition(existing, sale)
	if err := s.inventory.CheckDelta(delta); err != nil {
		return domain.Sale{}, err
	}

	var updated domain.Sale
	if existing.LocalOnly {
		next := existing
		applyEdits(&next, sale)
		next.UpdatedAt = s.now().UTC()
		domain.ApplySaleTotals(&next)
		updated = next
	} else {
		remoteSale, err := s.sales.Update(ctx, sale.ID, updateRequest(sale))
		if err != nil {
			return domain.Sale{}, fmt.Errorf("update sale: %w", err)
		}
		updated = remoteSale
	}

	if _, err := s.controller.Update(ctx, sale.ID, func(target *domain.Sale) {
		localOnly := target.LocalOnly
		*target = updated
		target.LocalOnly = localOnly
	}); err != nil {
		return domain.Sale{}, err
	}
	if _, err := s.inventory.Apply(ctx, delta); err != nil {
		s.logger.Warn("apply sale edit delta", zap.String("sale_id", sale.ID), zap.Error(err))
	}
	return updated, nil
}

// DeleteSale removes a sale and returns its units to stock. The backend
// goes first; if it refuses, nothing changes locally.
func (s *Service) DeleteSale(ctx context.Context, id string) error {
	existing, ok := s.controller.Find(id)
	if !ok {
		return ErrSaleNotFound
	}
	if !existing.LocalOnly {
		if err := s.sales.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete sale: %w", err)
		}
	}
	removed, err := s.controller.Remove(ctx, id)
	if err != nil {
		return err
	}
	if removed.Status.HoldsStock() {
		if _, err := s.inventory.Apply(ctx, reconcile.VoidRestock(removed.Items)); err != nil {
			s.logger.Warn("restock deleted sale", zap.String("sale_id", id), zap.Error(err))
		}
	}
	return nil
}

// SetStatus records a status change that already happened on the backend.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.SaleStatus) (domain.Sale, error) {
	return s.controller.Update(ctx, id, func(sale *domain.Sale) {
		sale.Status = status
		sale.UpdatedAt = s.now().UTC()
	})
}

func (s *Service) LinkInvoice(ctx context.Context, saleID, invoiceID string) (domain.Sale, error) {
	return s.controller.Update(ctx, saleID, func(sale *domain.Sale) {
		sale.InvoiceID = invoiceID
		sale.UpdatedAt = s.now().UTC()
	})
}

func createRequest(sale domain.Sale) domain.SaleCreateRequest {
	req := domain.SaleCreateRequest{
		SaleNumber:     sale.SaleNumber,
		CustomerID:     sale.CustomerID,
		CustomerName:   sale.CustomerName,
		CustomerEmail:  sale.CustomerEmail,
		Items:          domain.CloneItems(sale.Items),
		DiscountAmount: sale.DiscountAmount,
		SourceQuoteID:  sale.SourceQuoteID,
		InvoiceID:      sale.InvoiceID,
		Notes:          sale.Notes,
	}
	if !sale.SaleDate.IsZero() {
		date := sale.SaleDate
		req.SaleDate = &date
	}
	return req
}

func updateRequest(sale domain.Sale) domain.SaleUpdateRequest {
	discount := sale.DiscountAmount
	status := sale.Status
	return domain.SaleUpdateRequest{
		CustomerName:   &sale.CustomerName,
		CustomerEmail:  &sale.CustomerEmail,
		Items:          domain.CloneItems(sale.Items),
		DiscountAmount: &discount,
		Status:         &status,
		Notes:          &sale.Notes,
	}
}

func applyEdits(target *domain.Sale, edits domain.Sale) {
	target.CustomerName = edits.CustomerName
	target.CustomerEmail = edits.CustomerEmail
	target.Items = domain.CloneItems(edits.Items)
	target.DiscountAmount = edits.DiscountAmount
	target.Status = edits.Status
	target.Notes = edits.Notes
}
