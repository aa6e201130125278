// Package workspace assembles the reconciliation engine for one tenant in
// one client process.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/convlock"
	"comptario/backend/internal/domain"
	"comptario/backend/internal/inventory"
	"comptario/backend/internal/invoicing"
	"comptario/backend/internal/notice"
	"comptario/backend/internal/quoteconv"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/sales"
	"comptario/backend/internal/tenantstore"
	"comptario/backend/internal/xid"
)

type Options struct {
	TenantID           string
	ProcessID          string
	Backend            tenantstore.Backend
	Remote             remote.Clients
	ConversionInterval time.Duration
	LockStaleAfter     time.Duration
	NoticeCapacity     int
	Logger             *zap.Logger
}

type Workspace struct {
	store    *tenantstore.Store
	notices  *notice.Log
	stock    *inventory.State
	sales    *sales.Service
	invoices *invoicing.Reconciler
	worker   *quoteconv.Worker
	remote   remote.Clients
	logger   *zap.Logger

	mu      sync.Mutex
	unsubs  []func()
	started bool
}

func New(opts Options) (*Workspace, error) {
	if opts.Backend == nil {
		return nil, errors.New("workspace: tenant store backend is required")
	}
	if opts.Remote.Sales == nil || opts.Remote.Invoices == nil || opts.Remote.Products == nil || opts.Remote.Quotes == nil {
		return nil, errors.New("workspace: every remote client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProcessID == "" {
		opts.ProcessID = xid.ProcessID()
	}
	logger = logger.With(zap.String("tenant_id", opts.TenantID), zap.String("process_id", opts.ProcessID))

	store, err := tenantstore.New(opts.Backend, opts.TenantID, opts.ProcessID, tenantstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	notices := notice.NewLog(opts.NoticeCapacity)
	notices.OnNotice(func(n notice.Notice) {
		logger.Info("notice", zap.String("level", string(n.Level)), zap.String("code", n.Code), zap.String("message", n.Message))
	})

	stock := inventory.New(store, inventory.WithLogger(logger.Named("inventory")))
	controller := sales.NewController(store, sales.WithControllerLogger(logger.Named("sales")))
	salesSvc := sales.NewService(controller, stock, opts.Remote.Sales, opts.Remote.Products,
		sales.WithLogger(logger.Named("sales")),
		sales.WithNotifier(notices),
	)
	invoices := invoicing.New(store, opts.Remote.Invoices, salesSvc, stock,
		invoicing.WithLogger(logger.Named("invoicing")),
		invoicing.WithNotifier(notices),
	)

	staleAfter := opts.LockStaleAfter
	if staleAfter < 0 {
		staleAfter = 0
	}
	lock := convlock.New(store, convlock.WithStaleAfter(staleAfter), convlock.WithLogger(logger.Named("convlock")))
	worker := quoteconv.New(store, lock, salesSvc, stock,
		quoteconv.WithInterval(opts.ConversionInterval),
		quoteconv.WithQuotesAPI(opts.Remote.Quotes),
		quoteconv.WithNotifier(notices),
		quoteconv.WithLogger(logger.Named("quoteconv")),
	)

	return &Workspace{
		store:    store,
		notices:  notices,
		stock:    stock,
		sales:    salesSvc,
		invoices: invoices,
		worker:   worker,
		remote:   opts.Remote,
		logger:   logger,
	}, nil
}

// Hydrate loads the tenant's state. Each collection is fetched from the
// backend and written to the tenant store; when the backend is unreachable
// the stored copy is used instead.
func (w *Workspace) Hydrate(ctx context.Context) error {
	if products, err := w.remote.Products.List(ctx); err != nil {
		w.logger.Warn("hydrate products from store", zap.Error(err))
		if err := w.stock.Load(ctx); err != nil {
			return err
		}
	} else if err := w.stock.Replace(ctx, products); err != nil {
		return err
	}

	if list, err := w.remote.Sales.List(ctx); err != nil {
		w.logger.Warn("hydrate sales from store", zap.Error(err))
		if err := w.sales.Controller().Load(ctx); err != nil {
			return err
		}
	} else {
		if err := w.sales.Controller().Load(ctx); err != nil {
			return err
		}
		if err := w.sales.Controller().Replace(ctx, list); err != nil {
			return err
		}
	}

	if list, err := w.remote.Invoices.List(ctx); err != nil {
		w.logger.Warn("hydrate invoices from store", zap.Error(err))
		if err := w.invoices.Load(ctx); err != nil {
			return err
		}
	} else if err := w.invoices.Replace(ctx, list); err != nil {
		return err
	}

	quotes, err := w.remote.Quotes.List(ctx)
	if err != nil {
		w.logger.Warn("hydrate quotes from store", zap.Error(err))
		return nil
	}
	return w.storeQuotes(ctx, quotes)
}

// storeQuotes writes the backend's quotes while keeping conversion flags
// that only exist locally so far.
func (w *Workspace) storeQuotes(ctx context.Context, quotes []domain.Quote) error {
	_, err := tenantstore.UpdateJSON(ctx, w.store, tenantstore.KeyQuotes, func(stored []domain.Quote, _ bool) ([]domain.Quote, error) {
		converted := make(map[string]bool, len(stored))
		for _, q := range stored {
			if q.ConvertedToSale {
				converted[q.ID] = true
			}
		}
		next := make([]domain.Quote, len(quotes))
		for i, q := range quotes {
			if converted[q.ID] {
				q.ConvertedToSale = true
			}
			next[i] = q
		}
		return next, nil
	})
	return err
}

// Start subscribes to remote changes and launches the conversion worker.
func (w *Workspace) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	watchers := []func() (func(), error){
		w.stock.Watch,
		w.sales.Controller().Watch,
		w.invoices.Watch,
	}
	for _, watch := range watchers {
		unsubscribe, err := watch()
		if err != nil {
			w.unsubscribeLocked()
			return err
		}
		w.unsubs = append(w.unsubs, unsubscribe)
	}
	// Pick up anything written between hydration and subscribing.
	if err := w.reload(ctx); err != nil {
		w.unsubscribeLocked()
		return err
	}
	if err := w.worker.Start(ctx); err != nil {
		w.unsubscribeLocked()
		return err
	}
	w.started = true
	return nil
}

func (w *Workspace) reload(ctx context.Context) error {
	if err := w.stock.Load(ctx); err != nil {
		return err
	}
	if err := w.sales.Controller().Load(ctx); err != nil {
		return err
	}
	return w.invoices.Load(ctx)
}

func (w *Workspace) Close() error {
	w.worker.Stop()
	w.mu.Lock()
	w.unsubscribeLocked()
	w.started = false
	w.mu.Unlock()
	return w.store.Close()
}

func (w *Workspace) unsubscribeLocked() {
	for _, unsubscribe := range w.unsubs {
		unsubscribe()
	}
	w.unsubs = nil
}

func (w *Workspace) UpsertSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	return w.sales.UpsertSale(ctx, sale)
}

func (w *Workspace) DeleteSale(ctx context.Context, id string) error {
	return w.sales.DeleteSale(ctx, id)
}

func (w *Workspace) UpsertInvoice(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	return w.invoices.UpsertInvoice(ctx, inv)
}

func (w *Workspace) VoidInvoice(ctx context.Context, id, reason string) (domain.Invoice, error) {
	return w.invoices.VoidInvoice(ctx, id, reason)
}

func (w *Workspace) RestoreInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	return w.invoices.RestoreInvoice(ctx, id)
}

func (w *Workspace) DeleteInvoice(ctx context.Context, id string) error {
	return w.invoices.DeleteInvoice(ctx, id)
}

// ConvertQuotes runs one conversion pass now.
func (w *Workspace) ConvertQuotes(ctx context.Context) (quoteconv.Report, error) {
	return w.worker.RunOnce(ctx)
}

// Kick requests a conversion pass, e.g. when the user returns to the app.
func (w *Workspace) Kick() {
	w.worker.Kick()
}

func (w *Workspace) Sales() []domain.Sale {
	return w.sales.Controller().Sales()
}

func (w *Workspace) Products() []domain.Product {
	return w.stock.Products()
}

func (w *Workspace) Invoices() []domain.Invoice {
	return w.invoices.Invoices()
}

func (w *Workspace) Quotes(ctx context.Context) ([]domain.Quote, error) {
	var quotes []domain.Quote
	if _, err := w.store.GetJSON(ctx, tenantstore.KeyQuotes, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (w *Workspace) Notices() []notice.Notice {
	return w.notices.Recent()
}
