package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/store"
	"comptario/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	now             func() time.Time
	products        map[string]map[string]domain.Product
	sales           map[string][]domain.Sale
	invoices        map[string][]domain.Invoice
	quotes          map[string][]domain.Quote
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// Seed configures the demo tenant created by NewSeeded. Blank passwords
// fall back to dev defaults with a warning.
type Seed struct {
	TenantID      string
	AdminPassword string
	AgentPassword string
	Logger        *zap.Logger
}

func New() *Store {
	return &Store{
		now:             time.Now,
		products:        make(map[string]map[string]domain.Product),
		sales:           make(map[string][]domain.Sale),
		invoices:        make(map[string][]domain.Invoice),
		quotes:          make(map[string][]domain.Quote),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func NewSeeded(seed Seed) (*Store, error) {
	logger := seed.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tenantID := strings.TrimSpace(seed.TenantID)
	if tenantID == "" {
		tenantID = "demo"
	}

	s := New()
	users, err := seedUsers(tenantID, seed.AdminPassword, seed.AgentPassword, logger)
	if err != nil {
		return nil, err
	}
	s.usersByUsername = users

	rate := func(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }
	products := []domain.Product{
		{ID: "p1", Name: "Steel Bracket", Category: "hardware", UnitPrice: decimal.NewFromInt(50), TaxRate: rate(18), Stock: 120, ReorderLevel: 20},
		{ID: "p2", Name: "Hex Bolt M8", Category: "hardware", UnitPrice: decimal.RequireFromString("0.45"), TaxRate: rate(18), Stock: 2000, ReorderLevel: 250},
		{ID: "p3", Name: "Cable Tray 2m", Category: "electrical", UnitPrice: decimal.NewFromInt(32), TaxRate: rate(12), Stock: 60, ReorderLevel: 10},
		{ID: "p4", Name: "Installation Service", Category: "services", UnitPrice: decimal.NewFromInt(90), CategoryTaxRateOverride: rate(5), Stock: 0},
		{ID: "p5", Name: "Safety Gloves", Category: "ppe", UnitPrice: decimal.RequireFromString("7.50"), Stock: 300, ReorderLevel: 40},
	}
	for _, p := range products {
		p.TenantID = tenantID
		if _, err := s.CreateProduct(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// seedUsers builds the initial in-memory accounts for dev/demo mode. These
// credentials are never used when the server runs on PostgreSQL.
func seedUsers(tenantID, adminPwd, agentPwd string, logger *zap.Logger) (map[string]domain.UserAccount, error) {
	if adminPwd == "" || agentPwd == "" {
		logger.Warn("using default dev credentials; set seed.admin_password and seed.agent_password to override")
	}
	if adminPwd == "" {
		adminPwd = "admin123"
	}
	if agentPwd == "" {
		agentPwd = "agent123"
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"agent", agentPwd, domain.RoleAgent},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			TenantID:  tenantID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

func (s *Store) ListProducts(_ context.Context, tenantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products[tenantID]))
	for _, p := range s.products[tenantID] {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, tenantID string, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[tenantID][id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.TenantID == "" || strings.TrimSpace(product.Name) == "" || product.UnitPrice.IsNegative() || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	byID := s.products[product.TenantID]
	if byID == nil {
		byID = make(map[string]domain.Product)
		s.products[product.TenantID] = byID
	}
	if _, exists := byID[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	product.Status = domain.DeriveProductStatus(product.Stock, product.ReorderLevel)
	product.UpdatedAt = s.now().UTC()
	byID[product.ID] = product
	return &product, nil
}

func (s *Store) SetProductStock(_ context.Context, tenantID string, id string, stock int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[tenantID][id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Stock = max(stock, 0)
	product.Status = domain.DeriveProductStatus(product.Stock, product.ReorderLevel)
	product.UpdatedAt = s.now().UTC()
	s.products[tenantID][id] = product
	return &product, nil
}

func (s *Store) ListSales(_ context.Context, tenantID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.sales[tenantID], func(v domain.Sale) time.Time { return v.CreatedAt }), nil
}

func (s *Store) GetSale(_ context.Context, tenantID string, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.saleIndex(tenantID, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	sale := s.sales[tenantID][idx]
	return &sale, nil
}

func (s *Store) FindSaleBySourceQuote(_ context.Context, tenantID string, quoteID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sale := range s.sales[tenantID] {
		if quoteID != "" && sale.SourceQuoteID == quoteID {
			return &sale, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, effects store.Effects) (*domain.Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.TenantID == "" || len(sale.Items) == 0 {
		return nil, false, store.ErrInvalidTransaction
	}
	if sale.SourceQuoteID != "" {
		for _, existing := range s.sales[sale.TenantID] {
			if existing.SourceQuoteID == sale.SourceQuoteID {
				return &existing, true, nil
			}
		}
	}
	if err := s.applyEffects(sale.TenantID, effects); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.SaleNumber == "" {
		numbers := make([]string, 0, len(s.sales[sale.TenantID]))
		for _, existing := range s.sales[sale.TenantID] {
			numbers = append(numbers, existing.SaleNumber)
		}
		sale.SaleNumber = domain.NextDocumentNumber(domain.SaleNumberPrefix(now), numbers)
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = now
	}
	sale.CreatedAt = now
	sale.UpdatedAt = now
	s.sales[sale.TenantID] = append(s.sales[sale.TenantID], sale)
	return &sale, false, nil
}

func (s *Store) UpdateSale(_ context.Context, sale domain.Sale, expectedUpdatedAt time.Time, effects store.Effects) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.saleIndex(sale.TenantID, sale.ID)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	current := s.sales[sale.TenantID][idx]
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, store.ErrConflict
	}
	if err := s.applyEffects(sale.TenantID, effects); err != nil {
		return nil, err
	}
	sale.CreatedAt = current.CreatedAt
	sale.UpdatedAt = s.bump(current.UpdatedAt)
	s.sales[sale.TenantID][idx] = sale
	return &sale, nil
}

func (s *Store) DeleteSale(_ context.Context, tenantID string, id string, expectedUpdatedAt time.Time, effects store.Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.saleIndex(tenantID, id)
	if idx < 0 {
		return store.ErrNotFound
	}
	if !s.sales[tenantID][idx].UpdatedAt.Equal(expectedUpdatedAt) {
		return store.ErrConflict
	}
	if err := s.applyEffects(tenantID, effects); err != nil {
		return err
	}
	s.sales[tenantID] = slices.Delete(s.sales[tenantID], idx, idx+1)
	return nil
}

func (s *Store) ListInvoices(_ context.Context, tenantID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.invoices[tenantID], func(v domain.Invoice) time.Time { return v.CreatedAt }), nil
}

func (s *Store) GetInvoice(_ context.Context, tenantID string, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.invoiceIndex(tenantID, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	inv := s.invoices[tenantID][idx]
	return &inv, nil
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice, effects store.Effects) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.TenantID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if effects.SaleID != "" && s.saleIndex(inv.TenantID, effects.SaleID) < 0 {
		return nil, store.ErrNotFound
	}
	if err := s.applyEffects(inv.TenantID, effects); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if inv.InvoiceNumber == "" {
		numbers := make([]string, 0, len(s.invoices[inv.TenantID]))
		for _, existing := range s.invoices[inv.TenantID] {
			numbers = append(numbers, existing.InvoiceNumber)
		}
		inv.InvoiceNumber = domain.NextDocumentNumber(domain.InvoiceNumberPrefix(now), numbers)
	}
	if inv.IssueDate.IsZero() {
		inv.IssueDate = now
	}
	inv.CreatedAt = now
	inv.UpdatedAt = now
	s.invoices[inv.TenantID] = append(s.invoices[inv.TenantID], inv)
	return &inv, nil
}

func (s *Store) UpdateInvoice(_ context.Context, inv domain.Invoice, expectedUpdatedAt time.Time, effects store.Effects) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.invoiceIndex(inv.TenantID, inv.ID)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	current := s.invoices[inv.TenantID][idx]
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, store.ErrConflict
	}
	if err := s.applyEffects(inv.TenantID, effects); err != nil {
		return nil, err
	}
	inv.CreatedAt = current.CreatedAt
	inv.UpdatedAt = s.bump(current.UpdatedAt)
	s.invoices[inv.TenantID][idx] = inv
	return &inv, nil
}

func (s *Store) DeleteInvoice(_ context.Context, tenantID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.invoiceIndex(tenantID, id)
	if idx < 0 {
		return store.ErrNotFound
	}
	if !s.invoices[tenantID][idx].IsVoided {
		return store.ErrNotVoided
	}
	s.invoices[tenantID] = slices.Delete(s.invoices[tenantID], idx, idx+1)
	return nil
}

func (s *Store) ListQuotes(_ context.Context, tenantID string) ([]domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.quotes[tenantID], func(v domain.Quote) time.Time { return v.CreatedAt }), nil
}

func (s *Store) GetQuote(_ context.Context, tenantID string, id string) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.quoteIndex(tenantID, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	quote := s.quotes[tenantID][idx]
	return &quote, nil
}

func (s *Store) CreateQuote(_ context.Context, quote domain.Quote) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quote.TenantID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if quote.ID == "" {
		quote.ID = xid.New("quote")
	}
	if s.quoteIndex(quote.TenantID, quote.ID) >= 0 {
		return nil, store.ErrInvalidTransaction
	}
	now := s.now().UTC()
	quote.CreatedAt = now
	quote.UpdatedAt = now
	s.quotes[quote.TenantID] = append(s.quotes[quote.TenantID], quote)
	return &quote, nil
}

func (s *Store) UpdateQuote(_ context.Context, quote domain.Quote) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.quoteIndex(quote.TenantID, quote.ID)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	quote.CreatedAt = s.quotes[quote.TenantID][idx].CreatedAt
	quote.UpdatedAt = s.now().UTC()
	s.quotes[quote.TenantID][idx] = quote
	return &quote, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.TenantID != tenantID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.TenantID == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleAgent
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// applyEffects validates every effect before changing anything, so a
// rejected write leaves the store untouched. Callers hold s.mu.
func (s *Store) applyEffects(tenantID string, effects store.Effects) error {
	byID := s.products[tenantID]
	if effects.CheckStock {
		for id, adj := range effects.Stock {
			product, ok := byID[id]
			if !ok {
				continue
			}
			if product.Stock+adj < 0 {
				return store.ErrInsufficientStock
			}
		}
	}
	saleIdx := -1
	if effects.TouchesSale() {
		saleIdx = s.saleIndex(tenantID, effects.SaleID)
	}

	now := s.now().UTC()
	for id, adj := range effects.Stock {
		product, ok := byID[id]
		if !ok || adj == 0 {
			continue
		}
		product.Stock = max(product.Stock+adj, 0)
		product.Status = domain.DeriveProductStatus(product.Stock, product.ReorderLevel)
		product.UpdatedAt = now
		byID[id] = product
	}
	if saleIdx >= 0 {
		sale := s.sales[tenantID][saleIdx]
		if effects.SaleStatus != "" {
			sale.Status = effects.SaleStatus
		}
		if effects.SaleInvoiceID != "" {
			sale.InvoiceID = effects.SaleInvoiceID
		}
		sale.UpdatedAt = s.bump(sale.UpdatedAt)
		s.sales[tenantID][saleIdx] = sale
	}
	return nil
}

// bump returns a timestamp strictly after prev so optimistic checks see
// every write, even two inside one clock tick.
func (s *Store) bump(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *Store) saleIndex(tenantID, id string) int {
	return slices.IndexFunc(s.sales[tenantID], func(v domain.Sale) bool { return v.ID == id })
}

func (s *Store) invoiceIndex(tenantID, id string) int {
	return slices.IndexFunc(s.invoices[tenantID], func(v domain.Invoice) bool { return v.ID == id })
}

func (s *Store) quoteIndex(tenantID, id string) int {
	return slices.IndexFunc(s.quotes[tenantID], func(v domain.Quote) bool { return v.ID == id })
}

func newestFirst[T any](items []T, createdAt func(T) time.Time) []T {
	result := make([]T, len(items))
	copy(result, items)
	slices.SortStableFunc(result, func(a, b T) int {
		return createdAt(b).Compare(createdAt(a))
	})
	return result
}
