package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/service"
	"comptario/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := serve(t, handler, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := serve(t, handler, http.MethodOptions, "/api/v1/sales", "", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestLoginRateLimitReturns429(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"username":"admin","password":"wrong-pass"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if i < 5 {
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "agent", "agent123")

	notes := strings.Repeat("x", 2<<20)
	rec := serve(t, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleCreateRequest{Items: bracketLines(1), Notes: notes})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerErrorsHideCause(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()

	api.writeServiceError(rec, fmt.Errorf("query products: %w", errors.New("pq: relation does not exist")))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeBody[map[string]string](t, rec)["error"])
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: store.ErrNotFound, want: http.StatusNotFound},
		{err: fmt.Errorf("%w: bad line", store.ErrInvalidTransaction), want: http.StatusBadRequest},
		{err: store.ErrInsufficientStock, want: http.StatusConflict},
		{err: store.ErrNotVoided, want: http.StatusConflict},
		{err: store.ErrConflict, want: http.StatusConflict},
		{err: service.ErrUnauthenticated, want: http.StatusUnauthorized},
		{err: service.ErrForbidden, want: http.StatusForbidden},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}
