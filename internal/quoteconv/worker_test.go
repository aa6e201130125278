package quoteconv

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/convlock"
	"comptario/backend/internal/domain"
	"comptario/backend/internal/inventory"
	"comptario/backend/internal/notice"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/remote/remotefake"
	"comptario/backend/internal/sales"
	"comptario/backend/internal/tenantstore"
)

type process struct {
	store   *tenantstore.Store
	stock   *inventory.State
	sales   *sales.Service
	lock    *convlock.Lock
	worker  *Worker
	notices *notice.Log
}

func newProcess(t *testing.T, backend tenantstore.Backend, fake *remotefake.Backend, id string) *process {
	t.Helper()
	store, err := tenantstore.New(backend, "acme", id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clients := fake.Clients()
	stock := inventory.New(store)
	require.NoError(t, stock.Load(context.Background()))
	notices := notice.NewLog(10)
	salesSvc := sales.NewService(sales.NewController(store), stock, clients.Sales, clients.Products, sales.WithNotifier(notices))
	lock := convlock.New(store)
	worker := New(store, lock, salesSvc, stock, WithQuotesAPI(clients.Quotes), WithNotifier(notices), WithInterval(time.Hour))
	return &process{store: store, stock: stock, sales: salesSvc, lock: lock, worker: worker, notices: notices}
}

var (
	widget = domain.Product{
		ID:        "p1",
		Name:      "Widget",
		Category:  "hardware",
		UnitPrice: decimal.NewFromInt(100),
		TaxRate:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Stock:     10,
	}
	gadget = domain.Product{
		ID:                      "p2",
		Name:                    "Gadget",
		Category:                "books",
		UnitPrice:               decimal.NewFromInt(50),
		TaxRate:                 decimal.NewNullDecimal(decimal.NewFromInt(12)),
		CategoryTaxRateOverride: decimal.NewNullDecimal(decimal.NewFromInt(5)),
		Stock:                   4,
	}
	q1 = domain.Quote{
		ID:          "q1",
		QuoteNumber: "QUO-001",
		Status:      domain.QuoteStatusAccepted,
		Items: []domain.LineItem{
			{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(100)},
			{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(50)},
		},
	}
)

func setup(t *testing.T, quotes ...domain.Quote) (*tenantstore.MemoryBackend, *remotefake.Backend, *process) {
	t.Helper()
	ctx := context.Background()
	backend := tenantstore.NewMemoryBackend(nil)
	fake := remotefake.New("acme")
	fake.SeedProducts(widget, gadget)
	fake.SeedQuotes(quotes...)

	p := newProcess(t, backend, fake, "proc-a")
	require.NoError(t, p.stock.Replace(ctx, []domain.Product{widget, gadget}))
	require.NoError(t, p.store.SetJSON(ctx, tenantstore.KeyQuotes, quotes))
	return backend, fake, p
}

func storedQuote(t *testing.T, p *process, id string) domain.Quote {
	t.Helper()
	var quotes []domain.Quote
	_, err := p.store.GetJSON(context.Background(), tenantstore.KeyQuotes, &quotes)
	require.NoError(t, err)
	for _, q := range quotes {
		if q.ID == id {
			return q
		}
	}
	t.Fatalf("quote %s not stored", id)
	return domain.Quote{}
}

func TestConvertsAcceptedQuoteOnce(t *testing.T) {
	ctx := context.Background()
	_, fake, p := setup(t, q1)

	report, err := p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Converted)
	require.Len(t, report.SaleIDs, 1)

	list := p.sales.Controller().Sales()
	require.Len(t, list, 1)
	sale := list[0]
	assert.Equal(t, "q1", sale.SourceQuoteID)
	assert.True(t, decimal.NewFromInt(250).Equal(sale.Total), "total %s", sale.Total)
	assert.True(t, storedQuote(t, p, "q1").ConvertedToSale)

	done, err := p.lock.IsDone(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, done)

	remoteQuote, _ := fake.Quote("q1")
	assert.True(t, remoteQuote.ConvertedToSale)

	stock, _ := p.stock.Product("p1")
	assert.Equal(t, 8, stock.Stock)
	stock, _ = p.stock.Product("p2")
	assert.Equal(t, 3, stock.Stock)

	for i := 0; i < 3; i++ {
		report, err = p.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Converted)
	}
	assert.Len(t, p.sales.Controller().Sales(), 1)
	assert.Equal(t, 1, fake.Calls(remotefake.OpSaleCreate))
}

func TestResolvedTaxRateIsSentWithItems(t *testing.T) {
	_, fake, p := setup(t, q1)

	_, err := p.worker.RunOnce(context.Background())
	require.NoError(t, err)

	created := fake.Sales()
	require.Len(t, created, 1)
	items := created[0].Items
	require.Len(t, items, 2)

	assert.Equal(t, "Widget", items[0].ProductName)
	require.True(t, items[0].TaxRate.Valid)
	assert.True(t, decimal.NewFromInt(10).Equal(items[0].TaxRate.Decimal), "product rate")
	assert.True(t, decimal.NewFromInt(200).Equal(items[0].Total))

	assert.Equal(t, "Gadget", items[1].ProductName)
	require.True(t, items[1].TaxRate.Valid)
	assert.True(t, decimal.NewFromInt(5).Equal(items[1].TaxRate.Decimal), "category override wins")
	assert.True(t, decimal.NewFromInt(50).Equal(items[1].Total))
	assert.True(t, decimal.NewFromInt(250).Equal(created[0].Total))
}

func TestSecondProcessDoesNotConvertAgain(t *testing.T) {
	ctx := context.Background()
	backend, fake, a := setup(t, q1)
	b := newProcess(t, backend, fake, "proc-b")

	_, err := a.worker.RunOnce(ctx)
	require.NoError(t, err)
	report, err := b.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, report.Converted)
	assert.Len(t, fake.Sales(), 1)
	assert.Equal(t, 1, fake.Calls(remotefake.OpSaleCreate))
}

func TestSkipsQuoteHeldByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	backend, fake, a := setup(t, q1)
	b := newProcess(t, backend, fake, "proc-b")

	_, ok, err := b.lock.TryAcquire(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)

	report, err := a.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, fake.Calls(remotefake.OpSaleCreate))
}

func TestRepairsFlagWhenLockIsDone(t *testing.T) {
	ctx := context.Background()
	_, fake, p := setup(t, q1)
	require.NoError(t, p.store.SetString(ctx, convlock.Key("q1"), "done"))

	report, err := p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.True(t, storedQuote(t, p, "q1").ConvertedToSale)
	assert.Zero(t, fake.Calls(remotefake.OpSaleCreate))
}

func TestOfflineConversionIsRetriedAndReplacesPlaceholder(t *testing.T) {
	ctx := context.Background()
	_, fake, p := setup(t, q1)
	fake.Fail(remotefake.OpSaleCreate, remotefake.ErrUnavailable)

	report, err := p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Offline)

	placeholder, ok := p.sales.Controller().FindBySourceQuote("q1")
	require.True(t, ok)
	assert.True(t, placeholder.LocalOnly)
	assert.False(t, storedQuote(t, p, "q1").ConvertedToSale)

	_, found, err := p.store.GetString(ctx, convlock.Key("q1"))
	require.NoError(t, err)
	assert.False(t, found, "lock returned to free")

	recent := p.notices.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, notice.CodeQuoteOffline, recent[len(recent)-1].Code)

	remoteStock, _ := fake.Product("p1")
	assert.Equal(t, 10, remoteStock.Stock, "backend untouched while the conversion is pending")
	assert.Zero(t, fake.Calls(remotefake.OpProductStock))

	report, err = p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Offline)
	assert.Len(t, p.sales.Controller().Sales(), 1)
	assert.Equal(t, 1, countNotices(p.notices, notice.CodeQuoteOffline), "placeholder reuse is not announced again")

	fake.Recover(remotefake.OpSaleCreate)
	report, err = p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Converted)

	list := p.sales.Controller().Sales()
	require.Len(t, list, 1)
	assert.False(t, list[0].LocalOnly)
	stock, _ := p.stock.Product("p1")
	assert.Equal(t, 8, stock.Stock, "decremented once across offline and online attempts")
	remoteStock, _ = fake.Product("p1")
	assert.Equal(t, 8, remoteStock.Stock)
	remoteStock, _ = fake.Product("p2")
	assert.Equal(t, 3, remoteStock.Stock)
	assert.Len(t, fake.Sales(), 1)
}

func countNotices(log *notice.Log, code string) int {
	n := 0
	for _, item := range log.Recent() {
		if item.Code == code {
			n++
		}
	}
	return n
}

func TestRejectedConversionFreesLock(t *testing.T) {
	ctx := context.Background()
	_, fake, p := setup(t, q1)
	fake.Fail(remotefake.OpSaleCreate, &remote.HTTPError{StatusCode: 409, Message: "insufficient stock"})

	report, err := p.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, p.sales.Controller().Sales())

	_, found, err := p.store.GetString(ctx, convlock.Key("q1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIgnoresQuotesThatAreNotAccepted(t *testing.T) {
	draft := q1
	draft.ID = "q2"
	draft.Status = domain.QuoteStatusSent
	converted := q1
	converted.ID = "q3"
	converted.ConvertedToSale = true
	_, fake, p := setup(t, draft, converted)

	report, err := p.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Zero(t, fake.Calls(remotefake.OpSaleCreate))
}

func TestStartConvertsOnRemoteQuoteChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend, fake, p := setup(t)
	other := newProcess(t, backend, fake, "proc-b")

	require.NoError(t, p.worker.Start(ctx))
	defer p.worker.Stop()

	require.NoError(t, other.store.SetJSON(ctx, tenantstore.KeyQuotes, []domain.Quote{q1}))

	require.Eventually(t, func() bool {
		return len(fake.Sales()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
