package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/admin"
	"catalog-sync-service/internal/app"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/lock"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/realtime"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

type catalogAdapter struct {
	authErr  error
	listings []platform.ExternalListing
}

func (a *catalogAdapter) Kind() platform.Kind                { return platform.Shopify }
func (a *catalogAdapter) Authenticate(context.Context) error { return a.authErr }

func (a *catalogAdapter) FetchListings(context.Context, int, string) ([]platform.ExternalListing, string, error) {
	return a.listings, "", nil
}

func (a *catalogAdapter) FetchListingDetail(context.Context, string) (*platform.ExternalListing, error) {
	return nil, platform.ErrListingNotFound
}

type env struct {
	opts          *RootOptions
	adapter       *catalogAdapter
	integrationID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("storage:\n  type: sqlite\n  file_path: %s\nscheduler:\n  enabled: false\n", filepath.Join(dir, "catalog.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	e := &env{
		adapter: &catalogAdapter{listings: []platform.ExternalListing{
			{ExternalID: "1", Name: "Steel Water Bottle", Price: decimal.RequireFromString("19.99"), Currency: "USD", Category: "outdoor", IsActive: true, IsAvailable: true},
			{ExternalID: "2", Name: "Camping Lantern", Price: decimal.RequireFromString("34.50"), Currency: "USD", Category: "outdoor", IsActive: true, IsAvailable: true},
		}},
	}
	adapters := app.WithAdapters(func(*store.IntegrationConfig) (platform.Adapter, error) { return e.adapter, nil })
	e.opts = &RootOptions{AppOptions: []app.Option{adapters}}

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	a, err := app.Build(context.Background(), cfg, adapters)
	require.NoError(t, err)
	defer a.Close()
	view, err := a.Admin.Create(context.Background(), admin.IntegrationInput{
		StoreID:     "store-a",
		Name:        "Store A",
		Platform:    "shopify",
		StoreURL:    "https://store-a.example.com",
		Credentials: map[string]string{"access_token": "tok"},
	})
	require.NoError(t, err)
	e.integrationID = view.ID

	e.opts.ConfigPath = cfgPath
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand(e.opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--config", e.opts.ConfigPath))
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"sync", "status", "prune"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)
	for _, flag := range []string{"integration", "platform", "full", "dry-run"} {
		assert.NotNil(t, syncCmd.Flags().Lookup(flag), flag)
	}
	assert.Equal(t, "config.yaml", cmd.PersistentFlags().Lookup("config").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "status", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestSyncRunsIntegration(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "sync", "--full", "--format", "json")
	require.NoError(t, err)

	var outcomes []SyncOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, e.integrationID, outcomes[0].IntegrationID)
	assert.Equal(t, store.RunFull, outcomes[0].Kind)
	assert.Equal(t, store.RunCompleted, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Processed)
	assert.Equal(t, 2, outcomes[0].Created)
	assert.NotEmpty(t, outcomes[0].RunID)

	out, err = e.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var statuses []realtime.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, 2, statuses[0].Mappings[store.MappingSynced])
	require.NotNil(t, statuses[0].LatestRun)
	assert.Equal(t, store.RunCompleted, statuses[0].LatestRun.Status)

	out, err = e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Store A")
	assert.Contains(t, out, "100%")
}

func TestSyncPlatformFilter(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "sync", "--platform", "magento")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncUnknownIntegration(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "sync", "--integration", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncDryRun(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "sync", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry-run")
	assert.Contains(t, out, "ok")

	out, err = e.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var statuses []realtime.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	assert.Nil(t, statuses[0].LatestRun)

	e.adapter.authErr = &platform.AuthError{Platform: platform.Shopify, Err: errors.New("401 Unauthorized")}
	out, err = e.run(t, "sync", "--dry-run")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, store.RunFailed)
}

func TestSyncSkipsIntegrationLockedElsewhere(t *testing.T) {
	e := newEnv(t)
	mr := miniredis.RunT(t)
	f, err := os.OpenFile(e.opts.ConfigPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "redis:\n  enabled: true\n  addr: %s\n  key_prefix: \"catsync:\"\n", mr.Addr())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	held, err := lock.NewRedisLocker(client, "catsync:").Acquire(context.Background(), sync.LockKey(e.integrationID), time.Minute)
	require.NoError(t, err)

	out, err := e.run(t, "sync", "--format", "json")
	require.NoError(t, err)
	var outcomes []SyncOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusInProgress, outcomes[0].Status)
	assert.Empty(t, outcomes[0].RunID)

	out, err = e.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var statuses []realtime.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	assert.Nil(t, statuses[0].LatestRun)

	require.NoError(t, held.Release(context.Background()))
	out, err = e.run(t, "sync", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	assert.Equal(t, store.RunCompleted, outcomes[0].Status)
}

func TestPrune(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "prune")
	require.NoError(t, err)
	assert.Equal(t, "pruned 0 observations and 0 runs\n", out)

	out, err = e.run(t, "prune", "--format", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "observations: 0\nruns: 0\n", out)
}

func TestStatusYAML(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "status", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "- active: true\n")
	assert.Contains(t, out, "  name: Store A\n")
	assert.Contains(t, out, "  integration_id: "+e.integrationID+"\n")
}
