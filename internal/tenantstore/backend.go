package tenantstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Change announces that a physical key was written or deleted by Origin.
type Change struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Deleted bool   `json:"deleted,omitempty"`
}

// UpdateFunc computes the next value of a key from its current one. It may
// run more than once when a backend retries after contention, so it must not
// have side effects beyond its return values.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Backend is the shared key-value medium. Every write carries the writer's
// origin so subscribers can ignore their own changes. Update is the only
// atomic read-modify-write; Set blindly overwrites.
//
// Subscribers are invoked on a backend-owned goroutine, never on the
// writer's, and in the order the writes were applied.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, origin string) error
	Update(ctx context.Context, key string, origin string, fn UpdateFunc) error
	Delete(ctx context.Context, key string, origin string) error
	Subscribe(handler func(Change)) (unsubscribe func())
	Close() error
}

type dispatcher struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Change)
	logger   *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{handlers: make(map[int]func(Change)), logger: logger}
}

func (d *dispatcher) add(handler func(Change)) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.handlers[id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) dispatch(change Change) {
	d.mu.RLock()
	handlers := make([]func(Change), 0, len(d.handlers))
	for _, handler := range d.handlers {
		handlers = append(handlers, handler)
	}
	d.mu.RUnlock()

	for _, handler := range handlers {
		d.invoke(handler, change)
	}
}

func (d *dispatcher) invoke(handler func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in change handler", zap.String("key", change.Key), zap.Any("panic", r))
		}
	}()
	handler(change)
}
