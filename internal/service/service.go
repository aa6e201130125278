package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/cache"
	"comptario/backend/internal/domain"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/store"
	"comptario/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authenticated tenant required")
	ErrForbidden       = errors.New("admin role required")
)

// conflictRetries bounds how often a read-modify-write is retried after
// losing an optimistic check to a concurrent writer.
const conflictRetries = 3

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	logger     *zap.Logger
	now        func() time.Time
	catalog    cache.CatalogCache
	catalogTTL time.Duration
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCatalogCache serves product lists from c until the next stock
// movement or ttl, whichever comes first.
func WithCatalogCache(c cache.CatalogCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c == nil {
			return
		}
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		s.catalog = c
		s.catalogTTL = ttl
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		logger:  zap.NewNop(),
		now:     time.Now,
		catalog: cache.NoopCatalogCache{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if cached, ok, err := s.catalog.Get(ctx, actor.TenantID); err != nil {
		s.logger.Warn("catalog cache read failed", zap.String("tenant_id", actor.TenantID), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	products, err := s.repo.ListProducts(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, actor.TenantID, products, s.catalogTTL); err != nil {
		s.logger.Warn("catalog cache write failed", zap.String("tenant_id", actor.TenantID), zap.Error(err))
	}
	return products, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Product{}, ErrForbidden
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Product{}, fmt.Errorf("%w: product name is required", store.ErrInvalidTransaction)
	}
	if req.UnitPrice.IsNegative() || req.Stock < 0 || req.ReorderLevel < 0 {
		return domain.Product{}, fmt.Errorf("%w: price, stock and reorder level must not be negative", store.ErrInvalidTransaction)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:                      strings.TrimSpace(req.ID),
		TenantID:                actor.TenantID,
		Name:                    strings.TrimSpace(req.Name),
		Category:                strings.TrimSpace(req.Category),
		UnitPrice:               req.UnitPrice,
		TaxRate:                 req.TaxRate,
		CategoryTaxRateOverride: req.CategoryTaxRateOverride,
		Stock:                   req.Stock,
		ReorderLevel:            req.ReorderLevel,
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.create", "product", created.ID, created.Name)
	s.catalogChanged(ctx, actor.TenantID)
	return *created, nil
}

// SetProductStock overwrites a product's stock. Clients only call it when
// they had to adjust stock while the sales endpoint was unreachable.
func (s *Service) SetProductStock(ctx context.Context, id string, stock int) (domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	updated, err := s.repo.SetProductStock(ctx, actor.TenantID, id, stock)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.stock", "product", id, fmt.Sprintf("stock=%d", updated.Stock))
	s.catalogChanged(ctx, actor.TenantID)
	return *updated, nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, actor.TenantID)
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// CreateSale records a sale and consumes its stock. A second create for the
// same source quote returns the first sale with Duplicate set and changes
// nothing.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}
	if err := validateItems(req.Items, false); err != nil {
		return domain.SaleCreateResponse{}, err
	}
	if req.DiscountAmount.IsNegative() {
		return domain.SaleCreateResponse{}, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidTransaction)
	}

	sourceQuoteID := strings.TrimSpace(req.SourceQuoteID)
	if sourceQuoteID != "" {
		existing, err := s.repo.FindSaleBySourceQuote(ctx, actor.TenantID, sourceQuoteID)
		if err == nil {
			return domain.SaleCreateResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.SaleCreateResponse{}, err
		}
	}

	items, err := s.resolveItems(ctx, actor.TenantID, req.Items)
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}
	sale := domain.Sale{
		SaleNumber:     strings.TrimSpace(req.SaleNumber),
		TenantID:       actor.TenantID,
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Items:          items,
		DiscountAmount: req.DiscountAmount,
		Status:         domain.SaleStatusCompleted,
		SourceQuoteID:  sourceQuoteID,
		InvoiceID:      req.InvoiceID,
		Notes:          req.Notes,
		CreatedBy:      actor.Username,
	}
	if req.SaleDate != nil {
		sale.SaleDate = req.SaleDate.UTC()
	}
	domain.ApplySaleTotals(&sale)

	created, duplicate, err := s.repo.CreateSale(ctx, sale, store.Effects{
		Stock:      reconcile.SaleDecrement(items),
		CheckStock: true,
	})
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}
	if !duplicate {
		s.logAudit(ctx, "sale.create", "sale", created.ID, fmt.Sprintf("number=%s total=%s quote=%s", created.SaleNumber, created.Total, created.SourceQuoteID))
		s.catalogChanged(ctx, actor.TenantID)
	}
	return domain.SaleCreateResponse{Sale: *created, Duplicate: duplicate}, nil
}

// UpdateSale applies a partial update. Stock moves by the difference
// between the old and new lines, or by the whole sale when the status
// starts or stops holding stock.
func (s *Service) UpdateSale(ctx context.Context, id string, req domain.SaleUpdateRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.Items != nil {
		if err := validateItems(req.Items, false); err != nil {
			return domain.Sale{}, err
		}
		if req.Items, err = s.resolveItems(ctx, actor.TenantID, req.Items); err != nil {
			return domain.Sale{}, err
		}
	}
	if req.Status != nil {
		status := domain.NormalizeSaleStatus(string(*req.Status))
		req.Status = &status
	}
	if req.DiscountAmount != nil && req.DiscountAmount.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidTransaction)
	}

	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetSale(ctx, actor.TenantID, id)
		if err != nil {
			return domain.Sale{}, err
		}
		next := applySaleUpdate(*current, req)
		next.UpdatedBy = actor.Username
		domain.ApplySaleTotals(&next)

		updated, err := s.repo.UpdateSale(ctx, next, current.UpdatedAt, store.Effects{
			Stock:      reconcile.SaleTransition(*current, next),
			CheckStock: true,
		})
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return domain.Sale{}, err
		}
		s.logAudit(ctx, "sale.update", "sale", id, fmt.Sprintf("status=%s total=%s", updated.Status, updated.Total))
		s.catalogChanged(ctx, actor.TenantID)
		return *updated, nil
	}
}

func (s *Service) DeleteSale(ctx context.Context, id string) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetSale(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		var effects store.Effects
		if current.Status.HoldsStock() {
			effects.Stock = reconcile.VoidRestock(current.Items)
		}
		err = s.repo.DeleteSale(ctx, actor.TenantID, id, current.UpdatedAt, effects)
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return err
		}
		s.logAudit(ctx, "sale.delete", "sale", id, current.SaleNumber)
		s.catalogChanged(ctx, actor.TenantID)
		return nil
	}
}

func (s *Service) ListInvoices(ctx context.Context) ([]domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, actor.TenantID)
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.GetInvoice(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

// CreateInvoice stores an invoice without moving stock; stock for product
// invoices is carried by the sale they are linked to. A SaleID links that
// sale back to the new invoice.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invType := domain.NormalizeInvoiceType(string(req.Type))
	if err := validateItems(req.Items, invType.IsRefund()); err != nil {
		return domain.Invoice{}, err
	}
	status := req.Status
	if status == "" {
		status = domain.InvoiceStatusDraft
	}
	if !status.Valid() {
		return domain.Invoice{}, fmt.Errorf("%w: unknown invoice status %q", store.ErrInvalidTransaction, status)
	}
	items, err := s.resolveItems(ctx, actor.TenantID, req.Items)
	if err != nil {
		return domain.Invoice{}, err
	}

	inv := domain.Invoice{
		ID:                xid.New("inv"),
		InvoiceNumber:     strings.TrimSpace(req.InvoiceNumber),
		TenantID:          actor.TenantID,
		CustomerID:        req.CustomerID,
		CustomerName:      req.CustomerName,
		CustomerEmail:     req.CustomerEmail,
		Items:             items,
		DiscountAmount:    req.DiscountAmount,
		Type:              invType,
		Status:            status,
		SaleID:            strings.TrimSpace(req.SaleID),
		RefundedInvoiceID: req.RefundedInvoiceID,
		SourceQuoteID:     req.SourceQuoteID,
		Notes:             req.Notes,
		CreatedBy:         actor.Username,
	}
	if req.IssueDate != nil {
		inv.IssueDate = req.IssueDate.UTC()
	}
	domain.ApplyInvoiceTotals(&inv)

	var effects store.Effects
	if inv.SaleID != "" {
		effects.SaleID = inv.SaleID
		effects.SaleInvoiceID = inv.ID
	}
	created, err := s.repo.CreateInvoice(ctx, inv, effects)
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "invoice.create", "invoice", created.ID, fmt.Sprintf("number=%s type=%s sale=%s", created.InvoiceNumber, created.Type, created.SaleID))
	return *created, nil
}

// UpdateInvoice applies a partial update and moves stock by what changed:
// the line difference for ordinary edits, or every line's absolute quantity
// back to stock when a sale invoice becomes a refund. Voided invoices never
// move stock. A refund cannot turn back into a sale invoice.
func (s *Service) UpdateInvoice(ctx context.Context, id string, req domain.InvoiceUpdateRequest) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.Type != nil {
		t := domain.NormalizeInvoiceType(string(*req.Type))
		req.Type = &t
	}
	if req.Status != nil && !req.Status.Valid() {
		return domain.Invoice{}, fmt.Errorf("%w: unknown invoice status %q", store.ErrInvalidTransaction, *req.Status)
	}
	if req.Items != nil {
		if req.Items, err = s.resolveItems(ctx, actor.TenantID, req.Items); err != nil {
			return domain.Invoice{}, err
		}
	}

	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return domain.Invoice{}, err
		}
		next := applyInvoiceUpdate(*current, req)
		if current.Type.IsRefund() && !next.Type.IsRefund() {
			return domain.Invoice{}, fmt.Errorf("%w: a refund invoice cannot become a sale invoice again", store.ErrInvalidTransaction)
		}
		if req.Items != nil {
			if err := validateItems(next.Items, next.Type.IsRefund()); err != nil {
				return domain.Invoice{}, err
			}
		}
		next.UpdatedBy = actor.Username
		domain.ApplyInvoiceTotals(&next)

		effects := invoiceUpdateEffects(*current, next, req.Items != nil)
		updated, err := s.repo.UpdateInvoice(ctx, next, current.UpdatedAt, effects)
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return domain.Invoice{}, err
		}
		s.logAudit(ctx, "invoice.update", "invoice", id, fmt.Sprintf("type=%s total=%s", updated.Type, updated.Total))
		s.catalogChanged(ctx, actor.TenantID)
		return *updated, nil
	}
}

func invoiceUpdateEffects(current, next domain.Invoice, itemsChanged bool) store.Effects {
	var effects store.Effects
	if next.SaleID != "" && next.SaleID != current.SaleID {
		effects.SaleID = next.SaleID
		effects.SaleInvoiceID = next.ID
	}
	if current.IsVoided {
		return effects
	}
	switch {
	case !current.Type.IsRefund() && next.Type.IsRefund():
		effects.Stock = reconcile.RefundRestock(next.Items)
		if next.SaleID != "" {
			effects.SaleID = next.SaleID
			effects.SaleStatus = domain.SaleStatusRefunded
		}
	case itemsChanged:
		effects.Stock = reconcile.ComputeDelta(current.Items, next.Items)
	}
	return effects
}

// VoidInvoice returns the invoice's lines to stock and cancels its sale.
// Voiding twice is a no-op.
func (s *Service) VoidInvoice(ctx context.Context, id string, reason string) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return domain.Invoice{}, err
		}
		if current.IsVoided {
			return *current, nil
		}

		now := s.now().UTC()
		next := *current
		next.IsVoided = true
		next.VoidReason = strings.TrimSpace(reason)
		next.VoidedAt = &now
		next.VoidedBy = actor.Username
		next.UpdatedBy = actor.Username

		effects := store.Effects{Stock: reconcile.VoidRestock(current.Items)}
		if current.SaleID != "" {
			effects.SaleID = current.SaleID
			effects.SaleStatus = domain.SaleStatusCancelled
		}
		updated, err := s.repo.UpdateInvoice(ctx, next, current.UpdatedAt, effects)
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return domain.Invoice{}, err
		}
		s.logAudit(ctx, "invoice.void", "invoice", id, next.VoidReason)
		s.catalogChanged(ctx, actor.TenantID)
		return *updated, nil
	}
}

// RestoreInvoice clears the void flags only. Stock and the linked sale's
// status stay as the void left them.
func (s *Service) RestoreInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	for attempt := 0; ; attempt++ {
		current, err := s.repo.GetInvoice(ctx, actor.TenantID, id)
		if err != nil {
			return domain.Invoice{}, err
		}
		if !current.IsVoided {
			return *current, nil
		}
		next := *current
		next.IsVoided = false
		next.VoidReason = ""
		next.VoidedAt = nil
		next.VoidedBy = ""
		next.UpdatedBy = actor.Username

		updated, err := s.repo.UpdateInvoice(ctx, next, current.UpdatedAt, store.Effects{})
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return domain.Invoice{}, err
		}
		s.logAudit(ctx, "invoice.restore", "invoice", id, "")
		return *updated, nil
	}
}

func (s *Service) DeleteInvoice(ctx context.Context, id string) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteInvoice(ctx, actor.TenantID, id); err != nil {
		return err
	}
	s.logAudit(ctx, "invoice.delete", "invoice", id, "")
	return nil
}

func (s *Service) ListQuotes(ctx context.Context) ([]domain.Quote, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListQuotes(ctx, actor.TenantID)
}

func (s *Service) CreateQuote(ctx context.Context, req domain.QuoteCreateRequest) (domain.Quote, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := validateItems(req.Items, false); err != nil {
		return domain.Quote{}, err
	}
	status := req.Status
	if status == "" {
		status = domain.QuoteStatusDraft
	}
	if !status.Valid() {
		return domain.Quote{}, fmt.Errorf("%w: unknown quote status %q", store.ErrInvalidTransaction, status)
	}

	quote := domain.Quote{
		ID:             strings.TrimSpace(req.ID),
		QuoteNumber:    strings.TrimSpace(req.QuoteNumber),
		TenantID:       actor.TenantID,
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Items:          domain.CloneItems(req.Items),
		DiscountAmount: req.DiscountAmount,
		Status:         status,
		ValidUntil:     req.ValidUntil,
	}
	domain.ApplyQuoteTotals(&quote)
	created, err := s.repo.CreateQuote(ctx, quote)
	if err != nil {
		return domain.Quote{}, err
	}
	s.logAudit(ctx, "quote.create", "quote", created.ID, fmt.Sprintf("status=%s total=%s", created.Status, created.Total))
	return *created, nil
}

func (s *Service) SetQuoteStatus(ctx context.Context, id string, status domain.QuoteStatus) (domain.Quote, error) {
	if !status.Valid() {
		return domain.Quote{}, fmt.Errorf("%w: unknown quote status %q", store.ErrInvalidTransaction, status)
	}
	return s.updateQuote(ctx, id, "quote.status", func(q *domain.Quote) {
		q.Status = status
	})
}

func (s *Service) MarkQuoteConverted(ctx context.Context, id string) (domain.Quote, error) {
	return s.updateQuote(ctx, id, "quote.converted", func(q *domain.Quote) {
		q.ConvertedToSale = true
	})
}

func (s *Service) updateQuote(ctx context.Context, id string, action string, fn func(*domain.Quote)) (domain.Quote, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	current, err := s.repo.GetQuote(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Quote{}, err
	}
	next := *current
	fn(&next)
	updated, err := s.repo.UpdateQuote(ctx, next)
	if err != nil {
		return domain.Quote{}, err
	}
	s.logAudit(ctx, action, "quote", id, fmt.Sprintf("status=%s converted=%t", updated.Status, updated.ConvertedToSale))
	return *updated, nil
}

// ListAuditLogs returns one UTC day of the tenant's audit trail, newest
// first. date is YYYY-MM-DD and defaults to today.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	day := s.now().UTC().Truncate(24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		day = parsed
	}
	return s.repo.ListAuditLogs(ctx, actor.TenantID, day, day.Add(24*time.Hour), limit)
}

// resolveItems fills product names and tax rates from the catalog for
// lines that leave them blank.
func (s *Service) resolveItems(ctx context.Context, tenantID string, items []domain.LineItem) ([]domain.LineItem, error) {
	resolved := domain.CloneItems(items)
	for i, item := range resolved {
		var product *domain.Product
		if item.ProductID != "" {
			p, err := s.repo.GetProduct(ctx, tenantID, item.ProductID)
			switch {
			case err == nil:
				product = p
			case !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
		}
		if product != nil && item.ProductName == "" {
			item.ProductName = product.Name
		}
		if !item.TaxRate.Valid && product != nil {
			item.TaxRate.Decimal = domain.ResolveTaxRate(item, product)
			item.TaxRate.Valid = true
		}
		resolved[i] = item
	}
	return resolved, nil
}

func (s *Service) catalogChanged(ctx context.Context, tenantID string) {
	if err := s.catalog.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("catalog cache invalidation failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TenantID:      actor.TenantID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.TenantID) == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// validateItems rejects empty documents and non-positive quantities.
// Refund documents may carry negative quantities.
func validateItems(items []domain.LineItem, allowNegative bool) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one line is required", store.ErrInvalidTransaction)
	}
	for i, item := range items {
		if item.ProductID == "" && strings.TrimSpace(item.Description) == "" && strings.TrimSpace(item.ProductName) == "" {
			return fmt.Errorf("%w: line %d needs a product or a description", store.ErrInvalidTransaction, i+1)
		}
		if item.Quantity == 0 || (item.Quantity < 0 && !allowNegative) {
			return fmt.Errorf("%w: line %d has an invalid quantity", store.ErrInvalidTransaction, i+1)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d has a negative unit price", store.ErrInvalidTransaction, i+1)
		}
	}
	return nil
}

func applySaleUpdate(sale domain.Sale, req domain.SaleUpdateRequest) domain.Sale {
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
	return sale
}

func applyInvoiceUpdate(inv domain.Invoice, req domain.InvoiceUpdateRequest) domain.Invoice {
	if req.Items != nil {
		inv.Items = domain.CloneItems(req.Items)
	}
	if req.Type != nil {
		inv.Type = *req.Type
	}
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
		inv.SaleID = strings.TrimSpace(*req.SaleID)
	}
	if req.Notes != nil {
		inv.Notes = *req.Notes
	}
	return inv
}
