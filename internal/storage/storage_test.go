package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "siappanen.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeCalls(n int, base time.Time) []ToolCallRecord {
	out := make([]ToolCallRecord, n)
	for i := range out {
		out[i] = ToolCallRecord{
			ToolName:   "cekCuaca",
			ParamsJSON: fmt.Sprintf(`{"i":%d}`, i),
			ResultJSON: `"ok"`,
			Success:    i%2 == 0,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestConversationRoundtrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	if _, _, err := s.GetConversation(ctx, "conv_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	base := time.Now().Add(-time.Hour).UTC()
	conv := &Conversation{
		ID:          "conv_1",
		ContextJSON: `{"a":1}`,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	if err := s.SaveConversation(ctx, conv, makeCalls(3, base)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, calls, err := s.GetConversation(ctx, "conv_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContextJSON != `{"a":1}` || got.PreferencesJSON != "{}" {
		t.Fatalf("unexpected conversation: %+v", got)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	for i, c := range calls {
		if c.Seq != i || c.ConversationID != "conv_1" {
			t.Fatalf("unexpected call %d: %+v", i, c)
		}
	}

	// 再次保存会更新上下文并整体替换工具调用记录
	conv.ContextJSON = `{"a":1,"b":2}`
	conv.UpdatedAt = base.Add(time.Minute)
	if err := s.SaveConversation(ctx, conv, makeCalls(2, base)); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, calls, err = s.GetConversation(ctx, "conv_1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if got.ContextJSON != `{"a":1,"b":2}` {
		t.Fatalf("context not updated: %s", got.ContextJSON)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("createdAt changed: %v != %v", got.CreatedAt, base)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls after replace, got %d", len(calls))
	}
}

func TestSaveConversationValidation(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	if err := s.SaveConversation(ctx, nil, nil); err == nil {
		t.Fatalf("expected error for nil conversation")
	}
	if err := s.SaveConversation(ctx, &Conversation{}, nil); err == nil {
		t.Fatalf("expected error for empty id")
	}

	var nilStorage *Storage
	if err := nilStorage.SaveConversation(ctx, &Conversation{ID: "x"}, nil); err == nil {
		t.Fatalf("expected error for nil storage")
	}
}

func TestQueryToolCalls(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_a"}, makeCalls(4, base)); err != nil {
		t.Fatalf("save a: %v", err)
	}
	other := makeCalls(2, base)
	other[0].ToolName = "cekHargaPasar"
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_b"}, other); err != nil {
		t.Fatalf("save b: %v", err)
	}

	got, err := s.QueryToolCalls(ctx, ToolCallQuery{ConversationID: "conv_a", Desc: true, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 2 {
		t.Fatalf("unexpected desc result: %+v", got)
	}

	ok := true
	got, err = s.QueryToolCalls(ctx, ToolCallQuery{ConversationID: "conv_a", Success: &ok})
	if err != nil {
		t.Fatalf("query success: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 successful calls, got %d", len(got))
	}

	got, err = s.QueryToolCalls(ctx, ToolCallQuery{ToolName: "cekHargaPasar"})
	if err != nil {
		t.Fatalf("query by tool: %v", err)
	}
	if len(got) != 1 || got[0].ConversationID != "conv_b" {
		t.Fatalf("unexpected tool filter result: %+v", got)
	}

	from := base.Add(2 * time.Second)
	got, err = s.QueryToolCalls(ctx, ToolCallQuery{ConversationID: "conv_a", From: &from})
	if err != nil {
		t.Fatalf("query from: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 calls from t+2s, got %d", len(got))
	}
}

func TestRetentionDeleteAndTrim(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		conv := &Conversation{ID: fmt.Sprintf("conv_old_%d", i), CreatedAt: old, UpdatedAt: old}
		if err := s.SaveConversation(ctx, conv, makeCalls(2, old)); err != nil {
			t.Fatalf("save old: %v", err)
		}
	}
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_new", CreatedAt: now, UpdatedAt: now}, makeCalls(25, now)); err != nil {
		t.Fatalf("save new: %v", err)
	}

	n, err := s.DeleteConversationsBeforeLimited(ctx, now.Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("delete limited: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	n, err = s.DeleteConversationsBeforeLimited(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("delete rest: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Conversations != 1 || c.ToolCalls != 25 {
		t.Fatalf("unexpected counts after delete: %+v", c)
	}

	trimmed, err := s.TrimToolCalls(ctx, 20)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 5 {
		t.Fatalf("expected 5 trimmed, got %d", trimmed)
	}
	_, calls, err := s.GetConversation(ctx, "conv_new")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(calls) != 20 || calls[0].Seq != 5 {
		t.Fatalf("unexpected calls after trim: len=%d first=%d", len(calls), calls[0].Seq)
	}
}

func TestDeleteConversationIfStale(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	cutoff := now.Add(-24 * time.Hour)
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_idle", CreatedAt: old, UpdatedAt: old}, makeCalls(3, old)); err != nil {
		t.Fatalf("save idle: %v", err)
	}
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_touched", CreatedAt: old, UpdatedAt: old}, nil); err != nil {
		t.Fatalf("save touched: %v", err)
	}

	ids, err := s.StaleConversationIDs(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("stale ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 stale ids, got %v", ids)
	}

	// 列出之后对话又被写入，删除时必须放过它
	if err := s.SaveConversation(ctx, &Conversation{ID: "conv_touched", CreatedAt: old, UpdatedAt: now}, nil); err != nil {
		t.Fatalf("touch: %v", err)
	}

	ok, err := s.DeleteConversationIfStale(ctx, "conv_touched", cutoff)
	if err != nil || ok {
		t.Fatalf("touched conversation should survive: ok=%v err=%v", ok, err)
	}
	ok, err = s.DeleteConversationIfStale(ctx, "conv_idle", cutoff)
	if err != nil || !ok {
		t.Fatalf("idle conversation should be deleted: ok=%v err=%v", ok, err)
	}
	ok, err = s.DeleteConversationIfStale(ctx, "conv_missing", cutoff)
	if err != nil || ok {
		t.Fatalf("missing conversation: ok=%v err=%v", ok, err)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Conversations != 1 || c.ToolCalls != 0 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), Config{InMemory: true})
	if err != nil {
		t.Fatalf("open in-memory: %v", err)
	}
	defer s.Close()

	if s.Path() != "" {
		t.Fatalf("in-memory storage should have no path, got %q", s.Path())
	}
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error when path is empty")
	}
}

func TestOpenAppliesWAL(t *testing.T) {
	s := openTestStorage(t)

	var mode string
	if err := s.db.Raw("PRAGMA journal_mode;").Scan(&mode).Error; err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := s.db.Raw("PRAGMA foreign_keys;").Scan(&fk).Error; err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}
