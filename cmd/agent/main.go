package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/config"
	"comptario/backend/internal/logger"
	"comptario/backend/internal/remote"
	"comptario/backend/internal/tenantstore"
	"comptario/backend/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewForEnvironment(cfg.Env, logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("agent stopped", zap.Error(err))
	}
	log.Info("agent stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("close tenant store backend", zap.Error(err))
		}
	}()

	client := remote.NewHTTPClient(cfg.BackendURL, cfg.BackendToken, nil)
	tenantID := cfg.TenantID
	if cfg.BackendUsername != "" {
		loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := client.Login(loginCtx, cfg.BackendUsername, cfg.BackendPassword)
		cancel()
		if err != nil {
			return fmt.Errorf("backend login: %w", err)
		}
		if tenantID == "" {
			tenantID = resp.TenantID
		}
		log.Info("logged in to backend", zap.String("username", cfg.BackendUsername), zap.String("role", resp.Role))
	}
	if tenantID == "" {
		return tenantstore.ErrTenantRequired
	}

	ws, err := workspace.New(workspace.Options{
		TenantID:           tenantID,
		ProcessID:          cfg.ProcessID,
		Backend:            backend,
		Remote:             client.Clients(),
		ConversionInterval: cfg.ConversionInterval,
		LockStaleAfter:     cfg.LockStaleAfter,
		Logger:             log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn("close workspace", zap.Error(err))
		}
	}()

	if err := ws.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	if err := ws.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info("agent running",
		zap.String("tenant_id", tenantID),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("conversion_interval", cfg.ConversionInterval),
	)

	<-ctx.Done()
	return nil
}

// openBackend builds the tenant store backend named by store.backend.
// Processes only see each other's writes through redis or file.
func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (tenantstore.Backend, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		log.Info("tenant store: memory")
		return tenantstore.NewMemoryBackend(log.Named("tenantstore")), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("store.backend=redis requires redis.addr")
		}
		backend, err := tenantstore.NewRedisBackend(ctx, tenantstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, tenantstore.WithRedisLogger(log.Named("tenantstore")))
		if err != nil {
			return nil, fmt.Errorf("redis tenant store: %w", err)
		}
		log.Info("tenant store: redis", zap.String("addr", cfg.RedisAddr))
		return backend, nil
	case "file":
		backend, err := tenantstore.NewFileBackend(cfg.StoreDir, log.Named("tenantstore"))
		if err != nil {
			return nil, fmt.Errorf("file tenant store: %w", err)
		}
		log.Info("tenant store: file", zap.String("dir", cfg.StoreDir))
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store.backend %q", cfg.StoreBackend)
	}
}
