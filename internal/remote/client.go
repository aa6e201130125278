package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/xid"
)

const apiPrefix = "/api/v1"

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithRetries overrides the retry budget for transport errors, 429 and 5xx
// on requests that are safe to repeat.
func (c *HTTPClient) WithRetries(maxRetries int, baseDelay time.Duration) *HTTPClient {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	return c
}

// Login exchanges credentials for a bearer token and keeps it for later calls.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (domain.LoginResponse, error) {
	var out domain.LoginResponse
	err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/auth/login", domain.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.mu.Unlock()
	return out, nil
}

func (c *HTTPClient) Clients() Clients {
	return Clients{
		Sales:    c.Sales(),
		Invoices: c.Invoices(),
		Products: c.Products(),
		Quotes:   c.Quotes(),
	}
}

func (c *HTTPClient) Sales() SalesAPI       { return salesEndpoint{c} }
func (c *HTTPClient) Invoices() InvoicesAPI { return invoicesEndpoint{c} }
func (c *HTTPClient) Products() ProductsAPI { return productsEndpoint{c} }
func (c *HTTPClient) Quotes() QuotesAPI     { return quotesEndpoint{c} }

type salesEndpoint struct{ c *HTTPClient }

func (e salesEndpoint) Create(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	var out domain.SaleCreateResponse
	// The backend deduplicates by source quote, so only those creates may be replayed.
	err := e.c.send(ctx, http.MethodPost, apiPrefix+"/sales", req, &out, req.SourceQuoteID != "")
	return out, err
}

func (e salesEndpoint) Update(ctx context.Context, id string, req domain.SaleUpdateRequest) (domain.Sale, error) {
	var out domain.Sale
	err := e.c.doJSON(ctx, http.MethodPatch, apiPrefix+"/sales/"+url.PathEscape(id), req, &out)
	return out, err
}

func (e salesEndpoint) Delete(ctx context.Context, id string) error {
	return e.c.doJSON(ctx, http.MethodDelete, apiPrefix+"/sales/"+url.PathEscape(id), nil, nil)
}

func (e salesEndpoint) Get(ctx context.Context, id string) (domain.Sale, error) {
	var out domain.Sale
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/sales/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (e salesEndpoint) List(ctx context.Context) ([]domain.Sale, error) {
	var out []domain.Sale
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/sales", nil, &out)
	return out, err
}

type invoicesEndpoint struct{ c *HTTPClient }

func (e invoicesEndpoint) Create(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	var out domain.Invoice
	err := e.c.doJSON(ctx, http.MethodPost, apiPrefix+"/invoices", req, &out)
	return out, err
}

func (e invoicesEndpoint) Update(ctx context.Context, id string, req domain.InvoiceUpdateRequest) (domain.Invoice, error) {
	var out domain.Invoice
	err := e.c.doJSON(ctx, http.MethodPatch, apiPrefix+"/invoices/"+url.PathEscape(id), req, &out)
	return out, err
}

func (e invoicesEndpoint) Void(ctx context.Context, id, reason string) (domain.Invoice, error) {
	var out domain.Invoice
	err := e.c.doJSON(ctx, http.MethodPost, apiPrefix+"/invoices/"+url.PathEscape(id)+"/void", domain.InvoiceVoidRequest{Reason: reason}, &out)
	return out, err
}

func (e invoicesEndpoint) Restore(ctx context.Context, id string) (domain.Invoice, error) {
	var out domain.Invoice
	err := e.c.doJSON(ctx, http.MethodPost, apiPrefix+"/invoices/"+url.PathEscape(id)+"/restore", nil, &out)
	return out, err
}

func (e invoicesEndpoint) Delete(ctx context.Context, id string) error {
	return e.c.doJSON(ctx, http.MethodDelete, apiPrefix+"/invoices/"+url.PathEscape(id), nil, nil)
}

func (e invoicesEndpoint) Get(ctx context.Context, id string) (domain.Invoice, error) {
	var out domain.Invoice
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/invoices/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (e invoicesEndpoint) List(ctx context.Context) ([]domain.Invoice, error) {
	var out []domain.Invoice
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/invoices", nil, &out)
	return out, err
}

type productsEndpoint struct{ c *HTTPClient }

func (e productsEndpoint) List(ctx context.Context) ([]domain.Product, error) {
	var out []domain.Product
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/products", nil, &out)
	return out, err
}

func (e productsEndpoint) UpdateStock(ctx context.Context, id string, stock int) (domain.Product, error) {
	var out domain.Product
	err := e.c.doJSON(ctx, http.MethodPatch, apiPrefix+"/products/"+url.PathEscape(id)+"/stock", domain.ProductStockUpdateRequest{Stock: stock}, &out)
	return out, err
}

type quotesEndpoint struct{ c *HTTPClient }

func (e quotesEndpoint) List(ctx context.Context) ([]domain.Quote, error) {
	var out []domain.Quote
	err := e.c.doJSON(ctx, http.MethodGet, apiPrefix+"/quotes", nil, &out)
	return out, err
}

func (e quotesEndpoint) MarkConverted(ctx context.Context, id string) (domain.Quote, error) {
	var out domain.Quote
	err := e.c.send(ctx, http.MethodPost, apiPrefix+"/quotes/"+url.PathEscape(id)+"/converted", nil, &out, true)
	return out, err
}

// doJSON retries failed attempts only for idempotent methods. A POST whose
// response was lost may already have been applied.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.send(ctx, method, requestPath, body, out, isIdempotent(method))
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath string, body any, out any, replayable bool) error {
	retries := c.maxRetries
	if !replayable {
		retries = 0
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", xid.New("req"))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, requestPath, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func (c *HTTPClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
