package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/SiapPanen/internal/storage"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T, store Store, opts ...Option) *Manager {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
	m, err := NewManager(store, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return m
}

func TestNewConversationID(t *testing.T) {
	now := time.UnixMilli(1720000000123)
	id := NewConversationID(now)
	assert.Regexp(t, regexp.MustCompile(`^conv_1720000000123_[0-9a-f]{9}$`), id)
	assert.NotEqual(t, id, NewConversationID(now))
}

func TestLoadStateCreatesFreshState(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	conv := m.Conversation("conv_fresh")
	st, err := conv.LoadState(ctx)
	require.NoError(t, err)

	assert.Equal(t, "conv_fresh", st.ConversationID)
	assert.Empty(t, st.Context)
	assert.Empty(t, st.ToolHistory)
	assert.Equal(t, ResponseDetailed, st.UserPreferences.ResponseStyle)
	assert.False(t, st.UpdatedAt.Before(st.CreatedAt))

	again, err := conv.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.CreatedAt, again.CreatedAt)
}

func TestConversationGeneratesIDWhenEmpty(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	conv := m.Conversation("  ")
	assert.Regexp(t, `^conv_\d+_[0-9a-f]{9}$`, conv.ConversationID())
}

func TestUpdateContextShallowMerge(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	conv := m.Conversation("conv_merge")

	require.NoError(t, conv.UpdateContext(ctx, map[string]any{"a": 1, "b": map[string]any{"x": 1}}))
	require.NoError(t, conv.UpdateContext(ctx, map[string]any{"b": map[string]any{"y": 2}, "c": "z"}))

	st, err := conv.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Context["a"])
	// 嵌套值整体替换，不做深合并
	assert.Equal(t, map[string]any{"y": 2}, st.Context["b"])
	assert.Equal(t, "z", st.Context["c"])
	assert.True(t, st.UpdatedAt.After(st.CreatedAt))
}

func TestAddToolCallKeepsMostRecent(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	conv := m.Conversation("conv_history")

	for i := 0; i < 25; i++ {
		require.NoError(t, conv.AddToolCall(ctx, ToolCall{
			ToolName:   "cekCuaca",
			Parameters: map[string]any{"i": i},
			Success:    true,
		}))
	}

	st, err := conv.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, st.ToolHistory, DefaultToolHistoryLimit)
	assert.Equal(t, 5, st.ToolHistory[0].Parameters["i"])
	assert.Equal(t, 24, st.ToolHistory[DefaultToolHistoryLimit-1].Parameters["i"])
	assert.False(t, st.ToolHistory[0].Timestamp.IsZero())
}

func TestWithHistoryLimit(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(), WithHistoryLimit(3))
	ctx := context.Background()
	conv := m.Conversation("conv_small")
	for i := 0; i < 5; i++ {
		require.NoError(t, conv.AddToolCall(ctx, ToolCall{ToolName: fmt.Sprintf("t%d", i)}))
	}
	st, err := conv.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, st.ToolHistory, 3)
	assert.Equal(t, "t2", st.ToolHistory[0].ToolName)
}

func TestUpdatePreferences(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	conv := m.Conversation("conv_pref")

	require.NoError(t, conv.UpdatePreferences(ctx, Preferences{Location: "Malang", ExperienceLevel: ExperienceBeginner}))
	require.NoError(t, conv.UpdatePreferences(ctx, Preferences{ResponseStyle: ResponseConcise}))

	st, err := conv.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, Preferences{
		Location:        "Malang",
		ExperienceLevel: ExperienceBeginner,
		ResponseStyle:   ResponseConcise,
	}, st.UserPreferences)
}

func TestLoadStateReturnsCopy(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	conv := m.Conversation("conv_copy")
	require.NoError(t, conv.UpdateContext(ctx, map[string]any{"k": "v"}))

	st, err := conv.LoadState(ctx)
	require.NoError(t, err)
	st.Context["k"] = "mutated"

	again, err := conv.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Context["k"])
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(), WithHistoryLimit(100))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := m.Conversation("conv_race")
			_ = conv.AddToolCall(ctx, ToolCall{ToolName: "cekCuaca", Parameters: map[string]any{"i": i}})
			_ = conv.UpdateContext(ctx, map[string]any{fmt.Sprintf("k%d", i): i})
		}(i)
	}
	wg.Wait()

	st, err := m.Conversation("conv_race").LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, st.ToolHistory, 50)
	assert.Len(t, st.Context, 50)
}

func TestEvictIdleSkipsConversationInUse(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())

	conv, release := m.Begin("conv_busy")
	assert.Equal(t, "conv_busy", conv.ConversationID())

	called := false
	evict := func() (bool, error) {
		called = true
		return true, nil
	}

	ok, err := m.EvictIdle("conv_busy", evict)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)

	release()
	release()

	ok, err = m.EvictIdle("conv_busy", evict)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, called)
}

func TestBeginGeneratesID(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())

	conv, release := m.Begin("")
	defer release()
	assert.Regexp(t, `^conv_\d+_[0-9a-f]{9}$`, conv.ConversationID())
}

func TestSQLStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, RetryConfig{Attempts: 2, Delay: time.Millisecond})
	require.NoError(t, err)

	_, err = store.Load(ctx, "conv_none")
	assert.ErrorIs(t, err, ErrNotFound)

	m := newTestManager(t, store)
	conv := m.Conversation("conv_sql")
	require.NoError(t, conv.UpdateContext(ctx, map[string]any{"user_location": "Bandung", "query_type": "pricing"}))
	require.NoError(t, conv.AddToolCall(ctx, ToolCall{
		ToolName:   "cekHargaPasar",
		Parameters: map[string]any{"produk": "cabai", "lokasi": "Bandung"},
		Result:     map[string]any{"harga": 43200.0},
		Success:    true,
	}))
	require.NoError(t, conv.UpdatePreferences(ctx, Preferences{Location: "Bandung"}))

	// 新的 Manager 只共享底层存储
	fresh := newTestManager(t, store)
	st, err := fresh.Conversation("conv_sql").LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bandung", st.Context["user_location"])
	assert.Equal(t, "Bandung", st.UserPreferences.Location)
	assert.Equal(t, ResponseDetailed, st.UserPreferences.ResponseStyle)
	require.Len(t, st.ToolHistory, 1)
	assert.Equal(t, "cekHargaPasar", st.ToolHistory[0].ToolName)
	assert.Equal(t, "cabai", st.ToolHistory[0].Parameters["produk"])
	assert.Equal(t, map[string]any{"harga": 43200.0}, st.ToolHistory[0].Result)
	assert.True(t, st.ToolHistory[0].Success)
}

func TestRedisStoreRoundtrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, TTL: time.Minute})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer store.Close()

	id := NewConversationID(time.Now())
	defer store.Delete(ctx, id)

	_, err = store.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	m := newTestManager(t, store)
	conv := m.Conversation(id)
	require.NoError(t, conv.UpdateContext(ctx, map[string]any{"last_query": "harga cabai"}))
	require.NoError(t, conv.AddToolCall(ctx, ToolCall{ToolName: "cekHargaPasar", Success: true}))

	st, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "harga cabai", st.Context["last_query"])
	assert.Len(t, st.ToolHistory, 1)
}
