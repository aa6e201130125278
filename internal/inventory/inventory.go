package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/tenantstore"
)

var ErrInsufficientStock = errors.New("insufficient stock")

type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// State is this process's view of product stock. Adjustments are applied
// atomically to the shared products key, so concurrent processes never lose
// each other's movements.
type State struct {
	store  *tenantstore.Store
	logger *zap.Logger
	now    func() time.Time

	// writeMu orders local writes and remote reloads; mu only guards
	// products so readers never wait on a write in flight.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	products []domain.Product
}

type Option func(*State)

func WithLogger(logger *zap.Logger) Option {
	return func(s *State) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(store *tenantstore.Store, opts ...Option) *State {
	s := &State{store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory view with the shared products key.
func (s *State) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var products []domain.Product
	if _, err := s.store.GetJSON(ctx, tenantstore.KeyProducts, &products); err != nil {
		return err
	}
	s.setProducts(products)
	return nil
}

// Replace stores a fresh product list, typically one hydrated from the backend.
func (s *State) Replace(ctx context.Context, products []domain.Product) error {
	normalized := make([]domain.Product, len(products))
	for i, p := range products {
		p.Status = domain.DeriveProductStatus(p.Stock, p.ReorderLevel)
		normalized[i] = p
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.store.SetJSON(ctx, tenantstore.KeyProducts, normalized); err != nil {
		return err
	}
	s.setProducts(normalized)
	return nil
}

// Watch reloads the view whenever another process rewrites products.
func (s *State) Watch() (func(), error) {
	return s.store.OnRemoteChange(tenantstore.KeyProducts, func(ctx context.Context, _ string) {
		if err := s.Load(ctx); err != nil {
			s.logger.Warn("reload products", zap.Error(err))
		}
	})
}

func (s *State) Products() []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, len(s.products))
	copy(out, s.products)
	return out
}

func (s *State) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

// CheckAvailability verifies that every product line can be fulfilled,
// summing quantities of repeated products. Unknown products are not
// checked; the backend stays authoritative for them.
func (s *State) CheckAvailability(lines []domain.LineItem) error {
	return s.CheckDelta(reconcile.SaleDecrement(lines))
}

// CheckDelta verifies that the consuming side of delta fits current stock.
func (s *State) CheckDelta(delta reconcile.Delta) error {
	required := delta.Required()
	if len(required) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		want, ok := required[p.ID]
		if !ok {
			continue
		}
		if p.Stock < want {
			return &InsufficientStockError{ProductID: p.ID, ProductName: p.Name, Requested: want, Available: p.Stock}
		}
	}
	return nil
}

// Apply adds delta to stock, clamps at zero, rederives status and persists.
func (s *State) Apply(ctx context.Context, delta reconcile.Delta) ([]domain.Product, error) {
	if delta.IsEmpty() {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	var changed []domain.Product
	var clamped []string
	next, err := tenantstore.UpdateJSON(ctx, s.store, tenantstore.KeyProducts, func(latest []domain.Product, found bool) ([]domain.Product, error) {
		if !found {
			latest = s.Products()
		}
		changed, clamped = nil, nil
		next := make([]domain.Product, len(latest))
		for i, p := range latest {
			if adj := delta[p.ID]; adj != 0 {
				p.Stock += adj
				if p.Stock < 0 {
					clamped = append(clamped, p.ID)
					p.Stock = 0
				}
				p.Status = domain.DeriveProductStatus(p.Stock, p.ReorderLevel)
				p.UpdatedAt = now
				changed = append(changed, p)
			}
			next[i] = p
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.setProducts(next)

	for _, id := range clamped {
		s.logger.Warn("stock clamped at zero", zap.String("product_id", id), zap.Int("adjustment", delta[id]))
	}
	for _, p := range changed {
		adj := delta[p.ID]
		if p.Status != domain.ProductStatusActive && adj < 0 {
			s.logger.Warn("low stock", zap.String("product_id", p.ID), zap.Int("stock", p.Stock), zap.Int("reorder_level", p.ReorderLevel))
		}
	}
	return changed, nil
}

func (s *State) setProducts(products []domain.Product) {
	s.mu.Lock()
	s.products = products
	s.mu.Unlock()
}
