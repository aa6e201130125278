package sales

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/reconcile"
	"comptario/backend/internal/tenantstore"
)

var ErrSaleNotFound = errors.New("sale not found")

// Controller owns this process's canonical sale list. Local mutations are
// written to the primary and mirror keys; remote changes to either key are
// merged back without writing. writeMu orders local mutations and remote
// merges within the process.
type Controller struct {
	store  *tenantstore.Store
	logger *zap.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	sales   []domain.Sale

	listenerMu sync.RWMutex
	listeners  []func([]domain.Sale)
}

type ControllerOption func(*Controller)

func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(store *tenantstore.Store, opts ...ControllerOption) *Controller {
	c := &Controller{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load merges both stored replicas into the canonical list.
func (c *Controller) Load(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	merged, err := c.readMerged(ctx)
	if err != nil {
		return err
	}
	c.set(merged)
	return nil
}

// Watch subscribes to remote writes of either replica.
func (c *Controller) Watch() (func(), error) {
	var unsubs []func()
	for _, key := range []string{tenantstore.KeySales, tenantstore.KeySalesMirror} {
		unsubscribe, err := c.store.OnRemoteChange(key, c.onRemoteChange)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsubscribe)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// OnChange registers fn to receive the canonical list after every change,
// local or merged.
func (c *Controller) OnChange(fn func([]domain.Sale)) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

// onRemoteChange holds writeMu so a merge can never read the replicas before
// a local mutation and publish its result after it.
func (c *Controller) onRemoteChange(ctx context.Context, key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	merged, err := c.readMerged(ctx)
	if err != nil {
		c.logger.Warn("merge sales after remote change", zap.String("key", key), zap.Error(err))
		return
	}
	c.set(merged)
	c.logger.Debug("merged remote sales", zap.String("key", key), zap.Int("count", len(merged)))
}

func (c *Controller) readMerged(ctx context.Context) ([]domain.Sale, error) {
	var primary, mirror []domain.Sale
	if _, err := c.store.GetJSON(ctx, tenantstore.KeySales, &primary); err != nil {
		return nil, err
	}
	if _, err := c.store.GetJSON(ctx, tenantstore.KeySalesMirror, &mirror); err != nil {
		return nil, err
	}
	return reconcile.MergeSales(primary, mirror), nil
}

func (c *Controller) Sales() []domain.Sale {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Sale, len(c.sales))
	copy(out, c.sales)
	return out
}

func (c *Controller) Find(id string) (domain.Sale, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sales {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Sale{}, false
}

func (c *Controller) FindBySourceQuote(quoteID string) (domain.Sale, bool) {
	if quoteID == "" {
		return domain.Sale{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sales {
		if s.SourceQuoteID == quoteID {
			return s, true
		}
	}
	return domain.Sale{}, false
}

// Replace swaps the whole list, e.g. after hydrating from the backend.
// Local-only sales survive because the backend has never seen them.
func (c *Controller) Replace(ctx context.Context, sales []domain.Sale) error {
	_, _, err := c.mutate(ctx, func(current []domain.Sale) ([]domain.Sale, error) {
		next := make([]domain.Sale, 0, len(sales)+len(current))
		for _, s := range current {
			if s.LocalOnly {
				if _, ok := indexOf(sales, s); !ok {
					next = append(next, s)
				}
			}
		}
		return append(next, sales...), nil
	})
	return err
}

// Upsert stores sale, replacing the entry with the same source quote or id.
// New sales go to the front. It returns the entry that was replaced, if any.
func (c *Controller) Upsert(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	base, _, err := c.mutate(ctx, func(current []domain.Sale) ([]domain.Sale, error) {
		next := make([]domain.Sale, len(current), len(current)+1)
		copy(next, current)
		if idx, ok := indexOf(next, sale); ok {
			next[idx] = sale
			return next, nil
		}
		return append([]domain.Sale{sale}, next...), nil
	})
	if err != nil {
		return nil, err
	}
	if idx, ok := indexOf(base, sale); ok {
		prev := base[idx]
		return &prev, nil
	}
	return nil, nil
}

// Update applies fn to the sale with id and persists the result.
func (c *Controller) Update(ctx context.Context, id string, fn func(*domain.Sale)) (domain.Sale, error) {
	_, next, err := c.mutate(ctx, func(current []domain.Sale) ([]domain.Sale, error) {
		next := make([]domain.Sale, len(current))
		copy(next, current)
		for i := range next {
			if next[i].ID == id {
				fn(&next[i])
				return next, nil
			}
		}
		return nil, ErrSaleNotFound
	})
	if err != nil {
		return domain.Sale{}, err
	}
	updated, _ := findByID(next, id)
	return updated, nil
}

func (c *Controller) Remove(ctx context.Context, id string) (domain.Sale, error) {
	base, _, err := c.mutate(ctx, func(current []domain.Sale) ([]domain.Sale, error) {
		next := make([]domain.Sale, 0, len(current))
		found := false
		for _, s := range current {
			if s.ID == id && !found {
				found = true
				continue
			}
			next = append(next, s)
		}
		if !found {
			return nil, ErrSaleNotFound
		}
		return next, nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	removed, _ := findByID(base, id)
	return removed, nil
}

// mutate applies fn atomically to the stored primary list, falling back to
// the canonical list when nothing is stored yet, then applies it again to
// the mirror so both replicas carry every process's changes. It returns the
// list fn saw and the list it produced; the latter becomes canonical.
// fn must be a pure function of its input.
func (c *Controller) mutate(ctx context.Context, fn func([]domain.Sale) ([]domain.Sale, error)) ([]domain.Sale, []domain.Sale, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var base []domain.Sale
	next, err := tenantstore.UpdateJSON(ctx, c.store, tenantstore.KeySales, func(stored []domain.Sale, found bool) ([]domain.Sale, error) {
		base = stored
		if !found {
			base = c.Sales()
		}
		return fn(base)
	})
	if err != nil {
		return nil, nil, err
	}
	if next == nil {
		next = []domain.Sale{}
	}

	// The mirror may lack what fn needs; then it takes the primary's result.
	_, err = tenantstore.UpdateJSON(ctx, c.store, tenantstore.KeySalesMirror, func(stored []domain.Sale, found bool) ([]domain.Sale, error) {
		if !found {
			return next, nil
		}
		mirrored, fnErr := fn(stored)
		if fnErr != nil {
			return next, nil
		}
		return mirrored, nil
	})
	c.set(next)
	return base, next, err
}

func (c *Controller) set(sales []domain.Sale) {
	if sales == nil {
		sales = []domain.Sale{}
	}
	c.mu.Lock()
	c.sales = sales
	c.mu.Unlock()

	c.listenerMu.RLock()
	listeners := append([]func([]domain.Sale){}, c.listeners...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(c.Sales())
	}
}

func findByID(list []domain.Sale, id string) (domain.Sale, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Sale{}, false
}

// indexOf matches by source quote first so an authoritative sale replaces
// its local-only placeholder, then by id.
func indexOf(list []domain.Sale, sale domain.Sale) (int, bool) {
	if sale.SourceQuoteID != "" {
		for i, s := range list {
			if s.SourceQuoteID == sale.SourceQuoteID {
				return i, true
			}
		}
	}
	for i, s := range list {
		if s.ID == sale.ID {
			return i, true
		}
	}
	return -1, false
}
