package tenantstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	fileSuffix     = ".json"
	lockSuffix     = ".lock"
	lockRetryDelay = 5 * time.Millisecond
	lockStaleAfter = 10 * time.Second
)

type fileEnvelope struct {
	Origin  string `json:"origin"`
	Deleted bool   `json:"deleted,omitempty"`
	Value   []byte `json:"value,omitempty"`
}

// FileBackend stores one file per key in a shared directory. Processes on
// the same host learn about each other's writes through fsnotify. Deletes
// leave a tombstone so watchers still see who removed the key.
type FileBackend struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	subs    *dispatcher
	done    chan struct{}

	closeOnce sync.Once
}

func NewFileBackend(dir string, logger *zap.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	b := &FileBackend{
		dir:     dir,
		watcher: watcher,
		logger:  logger,
		subs:    newDispatcher(logger),
		done:    make(chan struct{}),
	}
	go b.watch()
	return b, nil
}

func (b *FileBackend) watch() {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			key, ok := b.keyFromPath(event.Name)
			if !ok {
				continue
			}
			envelope, found, err := b.read(key)
			if err != nil || !found {
				// A half-observed rename or a concurrent rewrite; the next event carries the final state.
				b.logger.Debug("skip unreadable change", zap.String("key", key), zap.Error(err))
				continue
			}
			b.subs.dispatch(Change{Key: key, Origin: envelope.Origin, Deleted: envelope.Deleted})
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	envelope, found, err := b.read(key)
	if err != nil || !found || envelope.Deleted {
		return nil, false, err
	}
	return envelope.Value, true, nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte, origin string) error {
	return b.write(key, fileEnvelope{Origin: origin, Value: value})
}

// Update holds an exclusive lock file next to the key while fn runs, which
// serializes updates from every process sharing the directory.
func (b *FileBackend) Update(ctx context.Context, key string, origin string, fn UpdateFunc) error {
	unlock, err := b.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	envelope, found, err := b.read(key)
	if err != nil {
		return err
	}
	found = found && !envelope.Deleted
	var current []byte
	if found {
		current = envelope.Value
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	return b.write(key, fileEnvelope{Origin: origin, Value: next})
}

func (b *FileBackend) Delete(_ context.Context, key string, origin string) error {
	if _, found, err := b.read(key); err != nil || !found {
		return err
	}
	return b.write(key, fileEnvelope{Origin: origin, Deleted: true})
}

func (b *FileBackend) Subscribe(handler func(Change)) func() {
	return b.subs.add(handler)
}

func (b *FileBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.watcher.Close()
		<-b.done
	})
	return err
}

func (b *FileBackend) lock(ctx context.Context, key string) (func(), error) {
	path := filepath.Join(b.dir, "."+url.PathEscape(key)+lockSuffix)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		// A holder that died leaves its lock behind.
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			b.logger.Warn("removing stale lock", zap.String("key", key))
			_ = os.Remove(path)
			continue
		}
		timer := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *FileBackend) read(key string) (fileEnvelope, bool, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return fileEnvelope{}, false, nil
	}
	if err != nil {
		return fileEnvelope{}, false, err
	}
	var envelope fileEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fileEnvelope{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return envelope, true, nil
}

func (b *FileBackend) write(key string, envelope fileEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.pathFor(key), data, 0o644)
}

func (b *FileBackend) pathFor(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key)+fileSuffix)
}

func (b *FileBackend) keyFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
