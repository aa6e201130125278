package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/service"
	"comptario/backend/internal/store/memory"
)

// newTestAPI wires a real AuthManager and Service over the seeded memory
// store so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo, err := memory.NewSeeded(memory.Seed{TenantID: "demo"})
	require.NoError(t, err)
	svc := service.New(repo)
	auth := NewAuthManager(t.Context(), "test-secret-key", time.Hour, repo, nil)

	return New(svc, auth, "*", nil)
}

func serve(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := serve(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func productStock(t *testing.T, handler http.Handler, token, id string) int {
	t.Helper()
	rec := serve(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, p := range decodeBody[[]domain.Product](t, rec) {
		if p.ID == id {
			return p.Stock
		}
	}
	t.Fatalf("product %s not listed", id)
	return 0
}

func bracketLines(qty int) []domain.LineItem {
	return []domain.LineItem{{ProductID: "p1", Quantity: qty, UnitPrice: decimal.NewFromInt(50)}}
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := serve(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLogin(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := serve(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[domain.LoginResponse](t, rec)
	assert.Equal(t, domain.RoleAdmin, resp.Role)
	assert.Equal(t, "demo", resp.TenantID)
	assert.NotEmpty(t, resp.ExpiresAt)

	rec = serve(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := serve(t, handler, http.MethodGet, "/api/v1/sales", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/sales", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminOnlyRoutesRejectAgents(t *testing.T) {
	handler := newTestAPI(t).Handler()
	agent := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodGet, "/api/v1/audit-logs", agent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/users/agents", agent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, handler, http.MethodPost, "/api/v1/products", agent, domain.ProductCreateRequest{Name: "Anchor", UnitPrice: decimal.NewFromInt(3)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSaleCreateMovesStockAndIsIdempotentByQuote(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	req := domain.SaleCreateRequest{CustomerName: "Northwind", Items: bracketLines(5), SourceQuoteID: "q-100"}
	rec := serve(t, handler, http.MethodPost, "/api/v1/sales", token, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[domain.SaleCreateResponse](t, rec)
	assert.False(t, first.Duplicate)
	assert.Regexp(t, `^SAL-\d{4}-\d{2}-001$`, first.Sale.SaleNumber)
	assert.Equal(t, 115, productStock(t, handler, token, "p1"))

	rec = serve(t, handler, http.MethodPost, "/api/v1/sales", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[domain.SaleCreateResponse](t, rec)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Sale.ID, again.Sale.ID)
	assert.Equal(t, 115, productStock(t, handler, token, "p1"))

	rec = serve(t, handler, http.MethodGet, "/api/v1/sales/"+first.Sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/sales", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Sale](t, rec), 1)
}

func TestSaleErrorsMapToStatusCodes(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{Items: bracketLines(500)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 120, productStock(t, handler, token, "p1"))

	rec = serve(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{"items": bracketLines(1), "surprise": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/sales/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decodeBody[map[string]string](t, rec)["error"])
}

func TestSaleUpdateAndDeleteRestock(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{Items: bracketLines(3)})
	require.Equal(t, http.StatusCreated, rec.Code)
	sale := decodeBody[domain.SaleCreateResponse](t, rec).Sale

	cancelled := domain.SaleStatusCancelled
	rec = serve(t, handler, http.MethodPatch, "/api/v1/sales/"+sale.ID, token, domain.SaleUpdateRequest{Status: &cancelled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.SaleStatusCancelled, decodeBody[domain.Sale](t, rec).Status)
	assert.Equal(t, 120, productStock(t, handler, token, "p1"))

	completed := domain.SaleStatusCompleted
	rec = serve(t, handler, http.MethodPatch, "/api/v1/sales/"+sale.ID, token, domain.SaleUpdateRequest{Status: &completed})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 117, productStock(t, handler, token, "p1"))

	rec = serve(t, handler, http.MethodDelete, "/api/v1/sales/"+sale.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 120, productStock(t, handler, token, "p1"))
}

func TestInvoiceVoidRestoreDeleteLifecycle(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodPost, "/api/v1/invoices", token, domain.InvoiceCreateRequest{
		CustomerName: "Northwind",
		Items:        bracketLines(2),
		Type:         domain.InvoiceTypeProduct,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeBody[domain.Invoice](t, rec)
	assert.Regexp(t, `^INV-\d{4}-\d{2}-001$`, inv.InvoiceNumber)

	rec = serve(t, handler, http.MethodDelete, "/api/v1/invoices/"+inv.ID, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/void", token, domain.InvoiceVoidRequest{Reason: "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	voided := decodeBody[domain.Invoice](t, rec)
	assert.True(t, voided.IsVoided)
	assert.Equal(t, "duplicate", voided.VoidReason)
	assert.Equal(t, 122, productStock(t, handler, token, "p1"))

	rec = serve(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/restore", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[domain.Invoice](t, rec).IsVoided)

	rec = serve(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/void", token, domain.InvoiceVoidRequest{Reason: "again"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, handler, http.MethodDelete, "/api/v1/invoices/"+inv.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/invoices/"+inv.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuoteStatusAndConversionFlag(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodPost, "/api/v1/quotes", token, domain.QuoteCreateRequest{CustomerName: "Northwind", Items: bracketLines(4)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	quote := decodeBody[domain.Quote](t, rec)
	assert.Equal(t, domain.QuoteStatusDraft, quote.Status)

	rec = serve(t, handler, http.MethodPatch, "/api/v1/quotes/"+quote.ID+"/status", token, domain.QuoteStatusRequest{Status: domain.QuoteStatusAccepted})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QuoteStatusAccepted, decodeBody[domain.Quote](t, rec).Status)

	rec = serve(t, handler, http.MethodPatch, "/api/v1/quotes/"+quote.ID+"/status", token, domain.QuoteStatusRequest{Status: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, handler, http.MethodPost, "/api/v1/quotes/"+quote.ID+"/converted", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[domain.Quote](t, rec).ConvertedToSale)

	rec = serve(t, handler, http.MethodGet, "/api/v1/quotes", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Quote](t, rec), 1)
}

func TestAdminManagesAgentsAndReadsAuditTrail(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := serve(t, handler, http.MethodPost, "/api/v1/users/agents", admin, domain.AgentCreateRequest{Username: "fieldrep", Password: "pass1234"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(t, handler, http.MethodGet, "/api/v1/users/agents", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.AgentUser](t, rec), 2)

	rep := login(t, handler, "fieldrep", "pass1234")
	rec = serve(t, handler, http.MethodPost, "/api/v1/sales", rep, domain.SaleCreateRequest{Items: bracketLines(1)})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(t, handler, http.MethodGet, "/api/v1/audit-logs", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]domain.AuditLog](t, rec)
	require.NotEmpty(t, logs)
	assert.Equal(t, "fieldrep", logs[0].ActorUsername)
	assert.Equal(t, "sale.create", logs[0].Action)

	rec = serve(t, handler, http.MethodGet, "/api/v1/audit-logs?date=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductStockOverwrite(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	rec := serve(t, handler, http.MethodPatch, "/api/v1/products/p3/stock", token, domain.ProductStockUpdateRequest{Stock: 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	product := decodeBody[domain.Product](t, rec)
	assert.Equal(t, 4, product.Stock)
	assert.Equal(t, domain.ProductStatusLow, product.Status)

	rec = serve(t, handler, http.MethodPatch, "/api/v1/products/missing/stock", token, domain.ProductStockUpdateRequest{Stock: 4})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
