package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("not found")

// GetConversation 读取对话及其工具调用记录（按 Seq 升序）。对话不存在时返回 ErrNotFound。
func (s *Storage) GetConversation(ctx context.Context, id string) (*Conversation, []ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil, errors.New("storage not initialized")
	}

	var conv Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, notFoundError{Entity: "conversation", ID: id}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}

	var calls []ToolCallRecord
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("seq ASC").
		Find(&calls).Error; err != nil {
		return nil, nil, fmt.Errorf("get tool calls: %w", err)
	}
	return &conv, calls, nil
}

// SaveConversation 在一个事务内写入对话并整体替换其工具调用记录。
func (s *Storage) SaveConversation(ctx context.Context, conv *Conversation, calls []ToolCallRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if conv == nil {
		return errors.New("conversation is nil")
	}
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	if conv.ContextJSON == "" {
		conv.ContextJSON = "{}"
	}
	if conv.PreferencesJSON == "" {
		conv.PreferencesJSON = "{}"
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"context_json", "preferences_json", "updated_at"}),
		}).Create(conv).Error; err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&ToolCallRecord{}).Error; err != nil {
			return fmt.Errorf("clear tool calls: %w", err)
		}
		if len(calls) == 0 {
			return nil
		}

		rows := make([]ToolCallRecord, len(calls))
		for i, c := range calls {
			c.ID = 0
			c.ConversationID = conv.ID
			c.Seq = i
			if c.Timestamp.IsZero() {
				c.Timestamp = now
			}
			rows[i] = c
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("insert tool calls: %w", err)
		}
		return nil
	})
	return err
}

// ToolCallQuery 为工具调用记录的过滤条件，零值字段不参与过滤。
type ToolCallQuery struct {
	ConversationID string
	ToolName       string
	// Success 为 nil 时不过滤成功/失败。
	Success *bool
	// From/To 过滤 Timestamp 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 Timestamp 倒序返回。
	Desc bool
}

func (s *Storage) QueryToolCalls(ctx context.Context, q ToolCallQuery) ([]ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	db := s.db.WithContext(ctx).Model(&ToolCallRecord{})
	if q.ConversationID != "" {
		db = db.Where("conversation_id = ?", q.ConversationID)
	}
	if q.ToolName != "" {
		db = db.Where("tool_name = ?", q.ToolName)
	}
	if q.Success != nil {
		db = db.Where("success = ?", *q.Success)
	}
	if q.From != nil {
		db = db.Where("timestamp >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("timestamp <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("timestamp DESC").Order("id DESC")
	} else {
		db = db.Order("timestamp ASC").Order("id ASC")
	}

	var out []ToolCallRecord
	if err := db.Limit(normalizeLimit(q.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	return out, nil
}

// DeleteConversationsBeforeLimited 删除 UpdatedAt 早于 before 的对话（连同工具调用记录），
// 单次最多 limit 个对话，返回删除的对话数。
func (s *Storage) DeleteConversationsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}

	ids, err := s.StaleConversationIDs(ctx, before, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 选出 ID 之后可能有对话被更新，事务内再按 updated_at 过滤一次
		var stale []string
		if err := tx.Model(&Conversation{}).
			Where("id IN ? AND updated_at < ?", ids, before).
			Pluck("id", &stale).Error; err != nil {
			return fmt.Errorf("recheck conversations: %w", err)
		}
		n, err := deleteConversations(tx, stale)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// StaleConversationIDs 返回 updated_at 早于 before 的对话 ID，最旧的在前，最多 limit 个。
func (s *Storage) StaleConversationIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var ids []string
	if err := s.db.WithContext(ctx).Model(&Conversation{}).
		Select("id").
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Limit(normalizeDeleteLimit(limit)).
		Find(&ids).Error; err != nil {
		return nil, fmt.Errorf("select conversation ids: %w", err)
	}
	return ids, nil
}

// DeleteConversationIfStale 仅当对话在事务内仍早于 before 时删除它及其工具调用。
func (s *Storage) DeleteConversationIfStale(ctx context.Context, id string, before time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage not initialized")
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Conversation{}).
			Where("id = ? AND updated_at < ?", id, before).
			Count(&n).Error; err != nil {
			return fmt.Errorf("recheck conversation %s: %w", id, err)
		}
		if n == 0 {
			return nil
		}
		var err error
		deleted, err = deleteConversations(tx, []string{id})
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func deleteConversations(tx *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := tx.Where("conversation_id IN ?", ids).Delete(&ToolCallRecord{}).Error; err != nil {
		return 0, fmt.Errorf("delete tool calls: %w", err)
	}
	res := tx.Where("id IN ?", ids).Delete(&Conversation{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete conversations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TrimToolCalls 每个对话只保留最近 keep 条工具调用，返回删除条数。
func (s *Storage) TrimToolCalls(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if keep < 0 {
		keep = 0
	}

	// seq 连续递增，超出的部分是每个对话 seq 最小的那些
	res := s.db.WithContext(ctx).Exec(`
DELETE FROM tool_call_records
WHERE id IN (
	SELECT t.id FROM tool_call_records t
	JOIN (
		SELECT conversation_id, MAX(seq) AS max_seq
		FROM tool_call_records
		GROUP BY conversation_id
	) m ON m.conversation_id = t.conversation_id
	WHERE t.seq <= m.max_seq - ?
)`, keep)
	if res.Error != nil {
		return 0, fmt.Errorf("trim tool calls: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Counts 为存储概况。
type Counts struct {
	Conversations int64
	ToolCalls     int64
	Oldest        *time.Time
	Newest        *time.Time
}

func (s *Storage) Counts(ctx context.Context) (Counts, error) {
	if s == nil || s.db == nil {
		return Counts{}, errors.New("storage not initialized")
	}

	var c Counts
	if err := s.db.WithContext(ctx).Model(&Conversation{}).Count(&c.Conversations).Error; err != nil {
		return Counts{}, fmt.Errorf("count conversations: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&ToolCallRecord{}).Count(&c.ToolCalls).Error; err != nil {
		return Counts{}, fmt.Errorf("count tool calls: %w", err)
	}
	if c.Conversations == 0 {
		return c, nil
	}

	var oldest, newest Conversation
	if err := s.db.WithContext(ctx).Order("updated_at ASC").Take(&oldest).Error; err != nil {
		return Counts{}, fmt.Errorf("oldest conversation: %w", err)
	}
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Take(&newest).Error; err != nil {
		return Counts{}, fmt.Errorf("newest conversation: %w", err)
	}
	c.Oldest, c.Newest = &oldest.UpdatedAt, &newest.UpdatedAt
	return c, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e notFoundError) Is(target error) bool { return target == ErrNotFound }
