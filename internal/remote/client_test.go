package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
)

func TestCreateSaleSendsBearerAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sales", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))

		var req domain.SaleCreateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "q1", req.SourceQuoteID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.SaleCreateResponse{
			Sale:      domain.Sale{ID: "s1", SourceQuoteID: "q1", Total: decimal.NewFromInt(250)},
			Duplicate: true,
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	resp, err := client.Sales().Create(context.Background(), domain.SaleCreateRequest{SourceQuoteID: "q1"})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "s1", resp.Sale.ID)
	assert.True(t, decimal.NewFromInt(250).Equal(resp.Sale.Total))
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]domain.Quote{{ID: "q1"}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client()).WithRetries(2, time.Millisecond)
	quotes, err := client.Quotes().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlainSaleCreateIsNotReplayed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Committed, but the answer arrives after the client gave up.
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(domain.SaleCreateResponse{Sale: domain.Sale{ID: "s1"}})
	}))
	defer server.Close()

	httpClient := server.Client()
	httpClient.Timeout = 50 * time.Millisecond
	client := NewHTTPClient(server.URL, "", httpClient).WithRetries(3, time.Millisecond)

	_, err := client.Sales().Create(context.Background(), domain.SaleCreateRequest{CustomerName: "walk-in"})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuoteSaleCreateIsReplayed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.SaleCreateResponse{Sale: domain.Sale{ID: "s1", SourceQuoteID: "q1"}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client()).WithRetries(2, time.Millisecond)
	resp, err := client.Sales().Create(context.Background(), domain.SaleCreateRequest{SourceQuoteID: "q1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.Sale.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVoidIsNotReplayedOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client()).WithRetries(2, time.Millisecond)
	_, err := client.Invoices().Void(context.Background(), "inv1", "typo")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())

	require.Error(t, client.Sales().Delete(context.Background(), "s1"))
	assert.Equal(t, int32(4), calls.Load())
}

func TestClientErrorsAreTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/invoices/missing":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invoice not found"})
		default:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "insufficient stock"})
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client()).WithRetries(0, 0)

	_, err := client.Invoices().Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsUnavailable(err))

	_, err = client.Sales().Create(context.Background(), domain.SaleCreateRequest{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
	assert.Equal(t, "insufficient stock", httpErr.Message)
	assert.False(t, IsUnavailable(err))
}

func TestLoginStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" {
			_ = json.NewEncoder(w).Encode(domain.LoginResponse{AccessToken: "fresh", TenantID: "acme"})
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]domain.Product{})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	login, err := client.Login(context.Background(), "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, "acme", login.TenantID)

	_, err = client.Products().List(context.Background())
	require.NoError(t, err)
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.True(t, IsUnavailable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsUnavailable(&HTTPError{StatusCode: http.StatusBadGateway}))
	assert.True(t, IsUnavailable(&HTTPError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsUnavailable(&HTTPError{StatusCode: http.StatusBadRequest}))
	assert.False(t, IsUnavailable(context.Canceled))
}

func TestRetryDelayHonoursRetryAfterCap(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
}
