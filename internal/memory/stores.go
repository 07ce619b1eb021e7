package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/wwwzy/SiapPanen/internal/storage"
)

// MemoryStore 为进程内存储，进程退出即丢失。
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, st *State) error {
	if st == nil || st.ConversationID == "" {
		return errors.New("state without conversation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ConversationID] = st.Clone()
	return nil
}

// Len 返回当前保存的对话数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// RetryConfig 控制 SQLStore 对瞬时错误（如 SQLITE_BUSY）的重试。
type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Delay <= 0 {
		c.Delay = 50 * time.Millisecond
	}
	return c
}

// SQLStore 把状态持久化到 sqlite：上下文与偏好存 JSON 列，工具调用逐行保存。
type SQLStore struct {
	st    *storage.Storage
	retry RetryConfig
}

func NewSQLStore(st *storage.Storage, rc RetryConfig) (*SQLStore, error) {
	if st == nil {
		return nil, errors.New("storage is nil")
	}
	return &SQLStore{st: st, retry: rc.withDefaults()}, nil
}

func (s *SQLStore) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(s.retry.Attempts),
		retry.Delay(s.retry.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, context.Canceled)
		}),
	}
}

func (s *SQLStore) Load(ctx context.Context, id string) (*State, error) {
	var (
		conv  *storage.Conversation
		calls []storage.ToolCallRecord
	)
	err := retry.Do(func() error {
		var err error
		conv, calls, err = s.st.GetConversation(ctx, id)
		return err
	}, s.retryOpts(ctx)...)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return stateFromRows(conv, calls)
}

func (s *SQLStore) Save(ctx context.Context, st *State) error {
	if st == nil || st.ConversationID == "" {
		return errors.New("state without conversation id")
	}
	conv, calls, err := stateToRows(st)
	if err != nil {
		return err
	}
	return retry.Do(func() error {
		return s.st.SaveConversation(ctx, conv, calls)
	}, s.retryOpts(ctx)...)
}

func stateToRows(st *State) (*storage.Conversation, []storage.ToolCallRecord, error) {
	ctxJSON, err := json.Marshal(st.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("encode context: %w", err)
	}
	prefJSON, err := json.Marshal(st.UserPreferences)
	if err != nil {
		return nil, nil, fmt.Errorf("encode preferences: %w", err)
	}
	conv := &storage.Conversation{
		ID:              st.ConversationID,
		ContextJSON:     string(ctxJSON),
		PreferencesJSON: string(prefJSON),
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}

	calls := make([]storage.ToolCallRecord, 0, len(st.ToolHistory))
	for _, c := range st.ToolHistory {
		params, err := json.Marshal(c.Parameters)
		if err != nil {
			return nil, nil, fmt.Errorf("encode params of %s: %w", c.ToolName, err)
		}
		result, err := json.Marshal(c.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result of %s: %w", c.ToolName, err)
		}
		calls = append(calls, storage.ToolCallRecord{
			ToolName:   c.ToolName,
			ParamsJSON: string(params),
			ResultJSON: string(result),
			Success:    c.Success,
			Timestamp:  c.Timestamp,
		})
	}
	return conv, calls, nil
}

func stateFromRows(conv *storage.Conversation, calls []storage.ToolCallRecord) (*State, error) {
	st := &State{
		ConversationID: conv.ID,
		Context:        map[string]any{},
		ToolHistory:    make([]ToolCall, 0, len(calls)),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(conv.ContextJSON), &st.Context); err != nil {
		return nil, fmt.Errorf("decode context of %s: %w", conv.ID, err)
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	if err := json.Unmarshal([]byte(conv.PreferencesJSON), &st.UserPreferences); err != nil {
		return nil, fmt.Errorf("decode preferences of %s: %w", conv.ID, err)
	}

	for _, r := range calls {
		c := ToolCall{ToolName: r.ToolName, Success: r.Success, Timestamp: r.Timestamp}
		if r.ParamsJSON != "" {
			if err := json.Unmarshal([]byte(r.ParamsJSON), &c.Parameters); err != nil {
				return nil, fmt.Errorf("decode params of %s: %w", r.ToolName, err)
			}
		}
		if r.ResultJSON != "" {
			if err := json.Unmarshal([]byte(r.ResultJSON), &c.Result); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", r.ToolName, err)
			}
		}
		st.ToolHistory = append(st.ToolHistory, c)
	}
	return st, nil
}

// RedisConfig 为 Redis 存储配置。
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

const defaultRedisKeyPrefix = "siappanen:conv:"

// RedisStore 把每个对话状态序列化为 JSON 存在一个 key 下，写入时刷新 TTL。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 连接 Redis 并 Ping 一次确认可用。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Load(ctx context.Context, id string) (*State, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, st *State) error {
	if st == nil || st.ConversationID == "" {
		return errors.New("state without conversation id")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.ConversationID, err)
	}
	// ttl 为 0 时不过期
	if err := s.client.Set(ctx, s.key(st.ConversationID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", st.ConversationID, err)
	}
	return nil
}

// Delete 删除对话，主要供测试清理使用。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
