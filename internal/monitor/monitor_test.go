package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/storage"
)

func openTestStorage(t *testing.T, ctx context.Context) *storage.Storage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "siappanen-test.db")
	store, err := storage.Open(ctx, storage.Config{Path: dbPath, EnableWAL: true})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedConversation(t *testing.T, ctx context.Context, store *storage.Storage, id string, updated time.Time, calls int) {
	t.Helper()

	rows := make([]storage.ToolCallRecord, calls)
	for i := range rows {
		rows[i] = storage.ToolCallRecord{
			ToolName:   "cekHargaPasar",
			ParamsJSON: fmt.Sprintf(`{"i":%d}`, i),
			ResultJSON: "{}",
			Success:    true,
			Timestamp:  updated.Add(time.Duration(i) * time.Second),
		}
	}
	conv := &storage.Conversation{ID: id, CreatedAt: updated, UpdatedAt: updated}
	if err := store.SaveConversation(ctx, conv, rows); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRetentionRunOnce(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedConversation(t, ctx, store, fmt.Sprintf("conv_old_%d", i), now.Add(-40*24*time.Hour), 2)
	}
	seedConversation(t, ctx, store, "conv_recent", now.Add(-time.Hour), 30)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c, err := NewRetentionCollector(store)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	c.WithMetrics(m)
	c.cfg = RetentionConfig{
		BatchRows:         2,
		KeepConversations: 30 * 24 * time.Hour,
		KeepToolCalls:     20,
	}.withDefaults()

	report, err := c.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.ConversationsDeleted != 5 {
		t.Fatalf("expected 5 conversations deleted, got %d", report.ConversationsDeleted)
	}
	if report.ToolCallsTrimmed != 10 {
		t.Fatalf("expected 10 tool calls trimmed, got %d", report.ToolCallsTrimmed)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Conversations != 1 || counts.ToolCalls != 20 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if got := testutil.ToFloat64(m.RetentionDeleted); got != 5 {
		t.Fatalf("expected retention metric 5, got %v", got)
	}

	// 第二次执行没有可清理的数据
	report, err = c.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.ConversationsDeleted != 0 || report.ToolCallsTrimmed != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestRetentionSkipsConversationInUse(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)

	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	seedConversation(t, ctx, store, "conv_idle", old, 2)
	seedConversation(t, ctx, store, "conv_busy", old, 3)

	memStore, err := memory.NewSQLStore(store, memory.RetryConfig{})
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	mgr, err := memory.NewManager(memStore)
	if err != nil {
		t.Fatalf("new memory manager: %v", err)
	}

	c, err := NewRetentionCollector(store)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	c.WithGuard(mgr)
	c.cfg = RetentionConfig{KeepConversations: 30 * 24 * time.Hour}.withDefaults()

	// 请求已读出状态但尚未写回
	conv, release := mgr.Begin("conv_busy")
	if _, err := conv.LoadState(ctx); err != nil {
		t.Fatalf("load busy: %v", err)
	}

	report, err := c.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.ConversationsDeleted != 1 {
		t.Fatalf("expected only the idle conversation deleted, got %d", report.ConversationsDeleted)
	}

	if err := conv.AddToolCall(ctx, memory.ToolCall{ToolName: "cekCuaca", Success: true}); err != nil {
		t.Fatalf("add tool call: %v", err)
	}
	release()

	st, err := mgr.Conversation("conv_busy").LoadState(ctx)
	if err != nil {
		t.Fatalf("reload busy: %v", err)
	}
	if len(st.ToolHistory) != 4 {
		t.Fatalf("busy conversation lost history: %d calls", len(st.ToolHistory))
	}

	// 写回后 updated_at 已刷新，再跑一次也不会删除
	report, err = c.RunOnce(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.ConversationsDeleted != 0 {
		t.Fatalf("refreshed conversation should survive, got %d deleted", report.ConversationsDeleted)
	}
}

func TestPruneWithoutTrim(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)

	now := time.Now().UTC()
	seedConversation(t, ctx, store, "conv_old", now.Add(-10*24*time.Hour), 3)
	seedConversation(t, ctx, store, "conv_new", now, 25)

	report, err := Prune(ctx, store, RetentionConfig{KeepConversations: 7 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.ConversationsDeleted != 1 || report.ToolCallsTrimmed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStorage(t, ctx)
	seedConversation(t, ctx, store, "conv_old", time.Now().UTC().Add(-60*24*time.Hour), 1)

	mgr, err := NewManager(Config{Retention: RetentionConfig{Enabled: true, Interval: time.Hour}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ret, err := NewRetentionCollector(store)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	mgr.WithRetention(ret)

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, err := store.Counts(ctx)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Conversations == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention did not run in time: %+v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mgr.Stop()
	if err := mgr.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestManagerRequiresCollector(t *testing.T) {
	mgr, err := NewManager(Config{Retention: RetentionConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatalf("expected error without retention collector")
	}
}
