// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/store"
)

func New(t testing.TB) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), config.StorageConfig{
		Type:           "sqlite",
		FilePath:       filepath.Join(t.TempDir(), "catalog.db"),
		ConnectRetries: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Integration inserts an active integration for storeID.
func Integration(t testing.TB, s store.Store, storeID, platform string) *store.IntegrationConfig {
	t.Helper()
	ic := &store.IntegrationConfig{
		StoreID:     storeID,
		Name:        storeID + " " + platform,
		Platform:    platform,
		StoreURL:    "https://" + storeID + ".example.com",
		Credentials: map[string]string{"access_token": "token", "webhook_secret": "whsec"},
		Cadence:     store.CadenceDaily,
		Active:      true,
	}
	require.NoError(t, s.CreateIntegration(context.Background(), ic))
	return ic
}

// MappedProduct inserts a product mapped to integ under externalID.
func MappedProduct(t testing.TB, s store.Store, integ *store.IntegrationConfig, externalID, name, category string, price string) (*store.Product, *store.ProductMapping) {
	t.Helper()
	p := &store.Product{
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Category: category,
		Active:   true,
	}
	m := &store.ProductMapping{
		IntegrationID: integ.ID,
		ExternalID:    externalID,
		Status:        store.MappingSynced,
	}
	require.NoError(t, s.CreateProductWithMapping(context.Background(), p, m))
	return p, m
}
