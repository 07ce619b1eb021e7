package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/SiapPanen/internal/config"
	"github.com/wwwzy/SiapPanen/internal/market"
	"github.com/wwwzy/SiapPanen/internal/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.DefaultConfig()
	c.Ark.APIKey = "test-key"
	c.Ark.ModelID = "test-model"
	c.Storage.Path = filepath.Join(t.TempDir(), "siappanen-test.db")
	return &c
}

func TestOpenMemoryStoreBackends(t *testing.T) {
	ctx := context.Background()

	c := testConfig(t)
	c.Memory.Backend = config.MemoryBackendMemory
	a := &app{}
	st, err := a.openMemoryStore(ctx, c)
	require.NoError(t, err)
	assert.IsType(t, &memory.MemoryStore{}, st)
	assert.Nil(t, a.store)

	c = testConfig(t)
	a = &app{}
	st, err = a.openMemoryStore(ctx, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.IsType(t, &memory.SQLStore{}, st)
	require.NotNil(t, a.store)
	assert.Len(t, a.closers, 1)
}

func TestNewMarketService(t *testing.T) {
	c := testConfig(t)
	c.Market.Seed = 7
	c.Market.Sources = []market.SourceConfig{{Name: "feed", URL: "http://127.0.0.1:1/harga", Timeout: time.Second}}

	svc, err := newMarketService(c, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, svc)

	c.Market.Sources = []market.SourceConfig{{Name: "broken"}}
	_, err = newMarketService(c, zerolog.Nop())
	assert.ErrorContains(t, err, "broken")
}

func TestNewAppWiresComponents(t *testing.T) {
	c := testConfig(t)

	a, err := newApp(context.Background(), c, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.orchestrator)
	assert.NotNil(t, a.store)
	assert.Len(t, a.tools.Names(), 8)

	mfs, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestNewAppRequiresArk(t *testing.T) {
	c := testConfig(t)
	c.Memory.Backend = config.MemoryBackendMemory
	c.Ark.APIKey = ""

	_, err := newApp(context.Background(), c, zerolog.Nop())
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
