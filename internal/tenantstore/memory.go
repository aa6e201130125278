package tenantstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBackend shares one map between every Store built on it, which is
// how several simulated processes in one binary see each other's writes.
// Notifications are queued and delivered in write order by a single
// goroutine, so a handler may block on its own process's locks without
// stalling the writer.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
	subs   *dispatcher

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Change
	enqueued  uint64
	delivered uint64
	closed    bool
	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	m := &MemoryBackend{
		values: make(map[string][]byte),
		subs:   newDispatcher(logger),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.queueCond = sync.NewCond(&m.queueMu)
	go m.deliver()
	return m
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return clone(value), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, origin string) error {
	m.mu.Lock()
	m.values[key] = clone(value)
	m.notify(Change{Key: key, Origin: origin})
	m.mu.Unlock()
	return nil
}

// Update runs fn under the write lock, so concurrent updates of one key
// never lose each other's changes.
func (m *MemoryBackend) Update(_ context.Context, key string, origin string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.values[key]
	next, err := fn(clone(current), found)
	if err != nil {
		return err
	}
	m.values[key] = clone(next)
	m.notify(Change{Key: key, Origin: origin})
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, existed := m.values[key]; existed {
		delete(m.values, key)
		m.notify(Change{Key: key, Origin: origin, Deleted: true})
	}
	return nil
}

func (m *MemoryBackend) Subscribe(handler func(Change)) func() {
	return m.subs.add(handler)
}

// Flush blocks until every change written before the call has been handed
// to the subscribers.
func (m *MemoryBackend) Flush() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	target := m.enqueued
	for m.delivered < target && !m.closed {
		m.queueCond.Wait()
	}
}

// Close stops delivery; queued changes that were not delivered yet are dropped.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.queueMu.Lock()
		m.closed = true
		m.queue = nil
		m.queueCond.Broadcast()
		m.queueMu.Unlock()
	})
	return nil
}

// notify is called with mu held so the queue order matches the write order.
func (m *MemoryBackend) notify(change Change) {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.queue = append(m.queue, change)
	m.enqueued++
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MemoryBackend) deliver() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}
		for {
			m.queueMu.Lock()
			batch := m.queue
			m.queue = nil
			m.queueMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, change := range batch {
				m.subs.dispatch(change)
				m.queueMu.Lock()
				m.delivered++
				m.queueCond.Broadcast()
				m.queueMu.Unlock()
			}
		}
	}
}

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
