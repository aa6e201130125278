package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"comptario/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{Env: "production", AuthSecret: "short"})
	assert.Error(t, err)

	err = validateSecurityConfig(config.Config{Env: "production", AuthSecret: "0123456789abcdef0123456789abcdef"})
	assert.ErrorContains(t, err, "seed passwords")
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		Env:         "production",
		AuthSecret:  "0123456789abcdef0123456789abcdef",
		DatabaseURL: "postgres://comptario@db/comptario",
	})
	assert.NoError(t, err)
}

func TestValidateSecurityConfigRelaxedInDevelopment(t *testing.T) {
	assert.NoError(t, validateSecurityConfig(config.Config{Env: "development"}))
}

func TestOpenRepositoryDefaultsToSeededMemory(t *testing.T) {
	repo, closeRepo, err := openRepository(context.Background(), config.Config{SeedTenantID: "acme"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeRepo() })

	products, err := repo.ListProducts(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, products)
}
