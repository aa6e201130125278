package tenantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Logical base keys shared by the processes of one tenant.
const (
	KeySales        = "sales"
	KeySalesMirror  = "sales_cache"
	KeyQuotes       = "quotes"
	KeyProducts     = "products"
	KeyInvoices     = "invoices"
	KeyQuoteLockPfx = "quote_converted_"
)

var ErrTenantRequired = errors.New("tenant id is required")

// Store scopes every key to one tenant and tags writes with this process's
// origin. Handlers registered with OnRemoteChange only fire for writes made
// by other processes.
type Store struct {
	backend   Backend
	tenantID  string
	processID string
	logger    *zap.Logger

	mu     sync.Mutex
	unsubs map[int]func()
	nextID int
	closed bool
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(backend Backend, tenantID, processID string, opts ...Option) (*Store, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if backend == nil {
		return nil, errors.New("tenant store backend is required")
	}
	if strings.TrimSpace(processID) == "" {
		return nil, errors.New("process id is required")
	}
	s := &Store{
		backend:   backend,
		tenantID:  tenantID,
		processID: processID,
		logger:    zap.NewNop(),
		unsubs:    make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("tenant_id", tenantID), zap.String("process_id", processID))
	return s, nil
}

func (s *Store) TenantID() string {
	return s.tenantID
}

func (s *Store) ProcessID() string {
	return s.processID
}

// Key returns the physical key for base.
func (s *Store) Key(base string) string {
	return base + "_" + s.tenantID
}

func (s *Store) Get(ctx context.Context, base string) ([]byte, bool, error) {
	value, found, err := s.backend.Get(ctx, s.Key(base))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", base, err)
	}
	return value, found, nil
}

func (s *Store) Set(ctx context.Context, base string, value []byte) error {
	if err := s.backend.Set(ctx, s.Key(base), value, s.processID); err != nil {
		return fmt.Errorf("write %s: %w", base, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, base string) error {
	if err := s.backend.Delete(ctx, s.Key(base), s.processID); err != nil {
		return fmt.Errorf("delete %s: %w", base, err)
	}
	return nil
}

func (s *Store) GetString(ctx context.Context, base string) (string, bool, error) {
	value, found, err := s.Get(ctx, base)
	if err != nil || !found {
		return "", found, err
	}
	return string(value), true, nil
}

func (s *Store) SetString(ctx context.Context, base, value string) error {
	return s.Set(ctx, base, []byte(value))
}

// GetJSON decodes the value under base into dest. It reports false without
// touching dest when the key is absent.
func (s *Store) GetJSON(ctx context.Context, base string, dest any) (bool, error) {
	value, found, err := s.Get(ctx, base)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(value, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", base, err)
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, base string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", base, err)
	}
	return s.Set(ctx, base, data)
}

// Update atomically replaces the value under base with fn's result. Errors
// returned by fn come back unwrapped.
func (s *Store) Update(ctx context.Context, base string, fn UpdateFunc) error {
	var fnErr error
	err := s.backend.Update(ctx, s.Key(base), s.processID, func(current []byte, found bool) ([]byte, error) {
		next, err := fn(current, found)
		fnErr = err
		return next, err
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", base, err)
	}
	return nil
}

// UpdateJSON is Update for JSON values. fn gets the decoded current value,
// or the zero value and false when base is absent, and returns the value to
// store. The stored value is returned.
func UpdateJSON[T any](ctx context.Context, s *Store, base string, fn func(current T, found bool) (T, error)) (T, error) {
	var stored T
	err := s.Update(ctx, base, func(raw []byte, found bool) ([]byte, error) {
		var current T
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, fmt.Errorf("decode %s: %w", base, err)
			}
		}
		next, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", base, err)
		}
		stored = next
		return data, nil
	})
	return stored, err
}

// OnRemoteChange calls handler whenever another process writes or deletes
// base for this tenant. Own writes are filtered out.
func (s *Store) OnRemoteChange(base string, handler func(ctx context.Context, base string)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("tenant store is closed")
	}

	physical := s.Key(base)
	unsubscribe := s.backend.Subscribe(func(change Change) {
		if change.Key != physical || change.Origin == s.processID {
			return
		}
		s.logger.Debug("remote change", zap.String("key", base), zap.String("origin", change.Origin), zap.Bool("deleted", change.Deleted))
		handler(context.Background(), base)
	})

	id := s.nextID
	s.nextID++
	s.unsubs[id] = unsubscribe

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.unsubs, id)
			s.mu.Unlock()
			unsubscribe()
		})
	}, nil
}

// Close drops every subscription registered through this Store. The backend
// stays open because other stores may share it.
func (s *Store) Close() error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = make(map[int]func())
	s.closed = true
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return nil
}
