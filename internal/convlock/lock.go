package convlock

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/tenantstore"
	"comptario/backend/internal/xid"
)

const (
	pendingPrefix = "pending:"
	doneValue     = "done"

	DefaultStaleAfter = 10 * time.Minute
)

// KV is the slice of the tenant store the lock needs.
type KV interface {
	GetString(ctx context.Context, base string) (string, bool, error)
	SetString(ctx context.Context, base, value string) error
	Delete(ctx context.Context, base string) error
}

// Lock is a best-effort cross-process claim on a quote conversion, built
// from write-then-read-back over the shared tenant store. A record is
// either absent (free), "pending:<token>" (held) or "done" (terminal).
type Lock struct {
	kv         KV
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	issued map[string]string
}

type Option func(*Lock)

// WithStaleAfter sets how old a pending token must be before another
// process may take it over. Zero disables takeover.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) {
		l.staleAfter = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

func New(kv KV, opts ...Option) *Lock {
	l := &Lock{
		kv:         kv,
		staleAfter: DefaultStaleAfter,
		logger:     zap.NewNop(),
		now:        time.Now,
		issued:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func Key(quoteID string) string {
	return tenantstore.KeyQuoteLockPfx + quoteID
}

// TryAcquire claims quoteID for this process. ok is false when the record
// is held by someone else, already done, or was overwritten between the
// write and the read-back.
func (l *Lock) TryAcquire(ctx context.Context, quoteID string) (string, bool, error) {
	current, found, err := l.kv.GetString(ctx, Key(quoteID))
	if err != nil {
		return "", false, err
	}
	if found && !l.claimable(current) {
		return "", false, nil
	}
	if found {
		l.logger.Info("taking over stale conversion lock", zap.String("quote_id", quoteID), zap.String("value", current))
	}

	token := xid.TokenAt(l.now())
	value := pendingPrefix + token
	if err := l.kv.SetString(ctx, Key(quoteID), value); err != nil {
		return "", false, err
	}

	readBack, found, err := l.kv.GetString(ctx, Key(quoteID))
	if err != nil {
		return "", false, err
	}
	if !found || readBack != value {
		l.logger.Debug("lost conversion lock race", zap.String("quote_id", quoteID))
		return "", false, nil
	}

	l.mu.Lock()
	l.issued[quoteID] = token
	l.mu.Unlock()
	return token, true, nil
}

// Release marks the conversion as finished for every process.
func (l *Lock) Release(ctx context.Context, quoteID string) error {
	if err := l.kv.SetString(ctx, Key(quoteID), doneValue); err != nil {
		return err
	}
	l.forget(quoteID)
	return nil
}

// Abandon frees the record, but only if it still holds token.
func (l *Lock) Abandon(ctx context.Context, quoteID, token string) error {
	defer l.forget(quoteID)

	current, found, err := l.kv.GetString(ctx, Key(quoteID))
	if err != nil || !found {
		return err
	}
	if current != pendingPrefix+token {
		return nil
	}
	return l.kv.Delete(ctx, Key(quoteID))
}

// IsHeld reports whether another process holds a live pending claim.
func (l *Lock) IsHeld(ctx context.Context, quoteID string) (bool, error) {
	current, found, err := l.kv.GetString(ctx, Key(quoteID))
	if err != nil || !found {
		return false, err
	}
	token, pending := strings.CutPrefix(current, pendingPrefix)
	if !pending {
		return false, nil
	}
	l.mu.Lock()
	ours := l.issued[quoteID] == token
	l.mu.Unlock()
	if ours {
		return false, nil
	}
	return !l.stale(token), nil
}

func (l *Lock) IsDone(ctx context.Context, quoteID string) (bool, error) {
	current, found, err := l.kv.GetString(ctx, Key(quoteID))
	if err != nil || !found {
		return false, err
	}
	return current == doneValue, nil
}

func (l *Lock) claimable(value string) bool {
	token, pending := strings.CutPrefix(value, pendingPrefix)
	if !pending {
		return false
	}
	return l.stale(token)
}

func (l *Lock) stale(token string) bool {
	if l.staleAfter <= 0 {
		return false
	}
	issuedAt, ok := tokenTime(token)
	if !ok {
		return false
	}
	return l.now().Sub(issuedAt) > l.staleAfter
}

func (l *Lock) forget(quoteID string) {
	l.mu.Lock()
	delete(l.issued, quoteID)
	l.mu.Unlock()
}

func tokenTime(token string) (time.Time, bool) {
	millis, _, ok := strings.Cut(token, "-")
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
