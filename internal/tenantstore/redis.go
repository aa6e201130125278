package tenantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisChannel = "comptario:tenantstore:changes"
	maxUpdateAttempts   = 16
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend keeps values as plain Redis strings and fans change
// notifications out over one Pub/Sub channel shared by all processes.
type RedisBackend struct {
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
	channel    string
	logger     *zap.Logger
	subs       *dispatcher

	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

type RedisOption func(*RedisBackend)

func WithRedisChannel(channel string) RedisOption {
	return func(b *RedisBackend) {
		b.channel = channel
	}
}

// WithRedisKeyPrefix namespaces every physical key, e.g. per deployment.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		b.keyPrefix = prefix
	}
}

func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(b *RedisBackend) {
		b.logger = logger
	}
}

func NewRedisBackend(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	backend, err := NewRedisBackendWithClient(ctx, client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	backend.ownsClient = true
	return backend, nil
}

// NewRedisBackendWithClient subscribes before returning so no change
// published after construction is missed. The caller keeps ownership of
// client.
func NewRedisBackendWithClient(ctx context.Context, client *redis.Client, opts ...RedisOption) (*RedisBackend, error) {
	b := &RedisBackend{
		client:  client,
		channel: defaultRedisChannel,
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.subs = newDispatcher(b.logger)

	listenCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pubsub = client.Subscribe(listenCtx, b.channel)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, 5*time.Second)
	defer confirmCancel()
	if _, err := b.pubsub.Receive(confirmCtx); err != nil {
		cancel()
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go b.listen(listenCtx)
	return b, nil
}

func (b *RedisBackend) listen(ctx context.Context) {
	defer close(b.done)

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("tenant store change channel closed")
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.Error("decode change notification", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			change.Key = b.logicalKey(change.Key)
			b.subs.dispatch(change)
		}
	}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, b.physicalKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, origin string) error {
	payload, err := json.Marshal(Change{Key: b.physicalKey(key), Origin: origin})
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.physicalKey(key), value, 0)
		pipe.Publish(ctx, b.channel, payload)
		return nil
	})
	return err
}

// Update uses WATCH/MULTI: the write is discarded and fn re-run whenever
// another client touched the key in between.
func (b *RedisBackend) Update(ctx context.Context, key string, origin string, fn UpdateFunc) error {
	physical := b.physicalKey(key)
	payload, err := json.Marshal(Change{Key: physical, Origin: origin})
	if err != nil {
		return err
	}
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, physical).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			current, found = nil, false
		} else if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, physical, next, 0)
			pipe.Publish(ctx, b.channel, payload)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, physical)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		b.logger.Debug("optimistic update retried", zap.String("key", key), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("update %s: gave up after %d attempts", key, maxUpdateAttempts)
}

func (b *RedisBackend) Delete(ctx context.Context, key string, origin string) error {
	payload, err := json.Marshal(Change{Key: b.physicalKey(key), Origin: origin, Deleted: true})
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.physicalKey(key))
		pipe.Publish(ctx, b.channel, payload)
		return nil
	})
	return err
}

func (b *RedisBackend) Subscribe(handler func(Change)) func() {
	return b.subs.add(handler)
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	b.closeMu.Lock()
	if b.isClosed {
		b.closeMu.Unlock()
		return nil
	}
	b.isClosed = true
	b.closeMu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("timed out waiting for change listener to stop")
	}
	if b.ownsClient {
		if closeErr := b.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (b *RedisBackend) physicalKey(key string) string {
	return b.keyPrefix + key
}

func (b *RedisBackend) logicalKey(key string) string {
	return strings.TrimPrefix(key, b.keyPrefix)
}
