package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"comptario/backend/internal/cache"
	"comptario/backend/internal/config"
	"comptario/backend/internal/httpapi"
	"comptario/backend/internal/logger"
	"comptario/backend/internal/service"
	"comptario/backend/internal/store"
	"comptario/backend/internal/store/memory"
	pgstore "comptario/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewForEnvironment(cfg.Env, logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("repository unavailable", zap.Error(err))
	}

	opts := []service.Option{service.WithLogger(log.Named("service"))}
	if cfg.RedisAddr != "" {
		catalog := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := catalog.Ping(ctx); err != nil {
			log.Warn("redis unavailable, serving catalog uncached", zap.Error(err))
			_ = catalog.Close()
		} else {
			opts = append(opts, service.WithCatalogCache(catalog, cfg.CatalogTTL))
			defer func() { _ = catalog.Close() }()
			log.Info("catalog cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}
	svc := service.New(repo, opts...)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL, repo, log.Named("auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("comptario backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	if err := closeRepo(); err != nil {
		log.Warn("close error", zap.Error(err))
	}

	log.Info("server stopped")
}

// openRepository uses postgres when a database URL is configured and the
// seeded in-memory store otherwise. A configured but unreachable database
// is an error, never a silent fallback.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		log.Info("repository: postgres")
		return pg, pg.Close, nil
	}

	repo, err := memory.NewSeeded(memory.Seed{
		TenantID:      cfg.SeedTenantID,
		AdminPassword: cfg.SeedAdminPassword,
		AgentPassword: cfg.SeedAgentPassword,
		Logger:        log.Named("seed"),
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("repository: in-memory", zap.String("tenant_id", cfg.SeedTenantID))
	return repo, func() error { return nil }, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.Env == "development" {
		return nil
	}
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("COMPTARIO_AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DatabaseURL == "" && (cfg.SeedAdminPassword == "" || cfg.SeedAgentPassword == "") {
		return fmt.Errorf("seed passwords must be set when running the in-memory store outside development")
	}
	return nil
}
