package quoteconv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"comptario/backend/internal/convlock"
	"comptario/backend/internal/domain"
	"comptario/backend/internal/inventory"
	"comptario/backend/internal/notice"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/sales"
	"comptario/backend/internal/tenantstore"
)

const DefaultInterval = 30 * time.Second

// Report summarizes one pass.
type Report struct {
	Converted int
	Offline   int
	Failed    int
	Skipped   int
	Repaired  int
	SaleIDs   []string
}

// Worker turns accepted quotes into sales. Any number of processes may run
// one against the same tenant; the conversion lock keeps at most one of
// them working on a quote at a time and the backend's idempotent create
// absorbs the rest.
type Worker struct {
	store    *tenantstore.Store
	lock     *convlock.Lock
	sales    *sales.Service
	stock    *inventory.State
	quotes   remote.QuotesAPI
	notifier notice.Notifier
	logger   *zap.Logger
	interval time.Duration

	passMu sync.Mutex
	kick   chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithNotifier(n notice.Notifier) Option {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithQuotesAPI lets the worker tell the backend about finished
// conversions. Without it the flag only lives in the tenant store.
func WithQuotesAPI(api remote.QuotesAPI) Option {
	return func(w *Worker) {
		w.quotes = api
	}
}

func New(store *tenantstore.Store, lock *convlock.Lock, salesSvc *sales.Service, stock *inventory.State, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		lock:     lock,
		sales:    salesSvc,
		stock:    stock,
		notifier: notice.Discard{},
		logger:   zap.NewNop(),
		interval: DefaultInterval,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs a pass immediately, then on every tick, kick and remote
// change to quotes, until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return nil
	}

	unsubscribe, err := w.store.OnRemoteChange(tenantstore.KeyQuotes, func(context.Context, string) {
		w.Kick()
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go func() {
		defer close(w.done)
		defer unsubscribe()
		w.loop(runCtx)
	}()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.safePass(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safePass(ctx, "tick")
		case <-w.kick:
			w.safePass(ctx, "kick")
		}
	}
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.runMu.Unlock()

	cancel()
	<-done
}

// Kick asks for a pass soon. It never blocks; kicks during a pass collapse
// into one follow-up pass.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) safePass(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("quote conversion pass panicked", zap.String("trigger", trigger), zap.Any("panic", r))
		}
	}()
	report, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Warn("quote conversion pass failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if report.Converted+report.Offline+report.Failed+report.Repaired > 0 {
		w.logger.Info("quote conversion pass",
			zap.String("trigger", trigger),
			zap.Int("converted", report.Converted),
			zap.Int("offline", report.Offline),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Int("repaired", report.Repaired),
		)
	}
}

// RunOnce converts every accepted, unconverted quote currently stored.
// Passes never overlap within one worker.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	var report Report
	quotes, err := w.readQuotes(ctx)
	if err != nil {
		return report, err
	}

	for _, quote := range quotes {
		if !quote.Convertible() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := w.process(ctx, quote, &report); err != nil {
			w.logger.Warn("quote conversion", zap.String("quote_id", quote.ID), zap.Error(err))
			report.Failed++
		}
	}
	return report, nil
}

func (w *Worker) process(ctx context.Context, quote domain.Quote, report *Report) error {
	done, err := w.lock.IsDone(ctx, quote.ID)
	if err != nil {
		return err
	}
	if done {
		report.Repaired++
		return w.markConverted(ctx, quote.ID)
	}

	held, err := w.lock.IsHeld(ctx, quote.ID)
	if err != nil {
		return err
	}
	if held {
		report.Skipped++
		return nil
	}

	token, ok, err := w.lock.TryAcquire(ctx, quote.ID)
	if err != nil {
		return err
	}
	if !ok {
		report.Skipped++
		return nil
	}

	outcome, err := w.sales.Create(ctx, w.saleRequest(quote))
	switch {
	case err != nil:
		w.abandon(ctx, quote.ID, token)
		w.notifier.Notify(notice.LevelWarning, notice.CodeQuoteRejected,
			fmt.Sprintf("Quote %s could not be converted to a sale: %v", quoteLabel(quote), err))
		return err
	case outcome.Offline:
		w.abandon(ctx, quote.ID, token)
		report.Offline++
		if !outcome.Reused {
			w.notifier.Notify(notice.LevelInfo, notice.CodeQuoteOffline,
				fmt.Sprintf("Quote %s was recorded as sale %s on this device; it will be confirmed once the server is reachable.", quoteLabel(quote), outcome.Sale.SaleNumber))
		}
		return nil
	}

	if err := w.markConverted(ctx, quote.ID); err != nil {
		return err
	}
	if err := w.lock.Release(ctx, quote.ID); err != nil {
		return err
	}
	report.Converted++
	report.SaleIDs = append(report.SaleIDs, outcome.Sale.ID)

	if w.quotes != nil {
		if _, err := w.quotes.MarkConverted(ctx, quote.ID); err != nil {
			w.logger.Warn("mark quote converted on backend", zap.String("quote_id", quote.ID), zap.Error(err))
		}
	}
	w.logger.Info("quote converted", zap.String("quote_id", quote.ID), zap.String("sale_id", outcome.Sale.ID), zap.Bool("duplicate", outcome.Duplicate))
	return nil
}

func (w *Worker) abandon(ctx context.Context, quoteID, token string) {
	if err := w.lock.Abandon(ctx, quoteID, token); err != nil {
		w.logger.Warn("abandon conversion lock", zap.String("quote_id", quoteID), zap.Error(err))
	}
}

func (w *Worker) saleRequest(quote domain.Quote) domain.SaleCreateRequest {
	items := make([]domain.LineItem, len(quote.Items))
	for i, item := range quote.Items {
		var product *domain.Product
		if item.ProductID != "" {
			if p, ok := w.stock.Product(item.ProductID); ok {
				product = &p
				if item.ProductName == "" {
					item.ProductName = p.Name
				}
			}
		}
		item.TaxRate = decimal.NewNullDecimal(domain.ResolveTaxRate(item, product))
		item.Total = item.LineTotal()
		items[i] = item
	}
	return domain.SaleCreateRequest{
		CustomerID:     quote.CustomerID,
		CustomerName:   quote.CustomerName,
		CustomerEmail:  quote.CustomerEmail,
		Items:          items,
		DiscountAmount: quote.DiscountAmount,
		SourceQuoteID:  quote.ID,
		Notes:          "Converted from quote " + quoteLabel(quote),
	}
}

func (w *Worker) readQuotes(ctx context.Context) ([]domain.Quote, error) {
	var quotes []domain.Quote
	if _, err := w.store.GetJSON(ctx, tenantstore.KeyQuotes, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// markConverted updates the stored quotes atomically so flags set by other
// processes since the pass started are kept.
func (w *Worker) markConverted(ctx context.Context, quoteID string) error {
	current, err := w.readQuotes(ctx)
	if err != nil {
		return err
	}
	if alreadyConverted(current, quoteID) {
		return nil
	}
	_, err = tenantstore.UpdateJSON(ctx, w.store, tenantstore.KeyQuotes, func(quotes []domain.Quote, _ bool) ([]domain.Quote, error) {
		for i := range quotes {
			if quotes[i].ID == quoteID {
				quotes[i].ConvertedToSale = true
			}
		}
		if quotes == nil {
			quotes = []domain.Quote{}
		}
		return quotes, nil
	})
	return err
}

func alreadyConverted(quotes []domain.Quote, quoteID string) bool {
	for _, q := range quotes {
		if q.ID == quoteID {
			return q.ConvertedToSale
		}
	}
	return false
}

func quoteLabel(q domain.Quote) string {
	if q.QuoteNumber != "" {
		return q.QuoteNumber
	}
	return q.ID
}
