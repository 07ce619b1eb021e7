package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager 持有存储后端与按对话 ID 的写锁，为每个对话派生 ConversationMemory。
type Manager struct {
	store        Store
	historyLimit int
	now          func() time.Time
	logger       zerolog.Logger
	locks        *keyedMutex

	activeMu sync.Mutex
	active   map[string]int
}

type Option func(*Manager)

// WithHistoryLimit 设置每个对话保留的工具调用条数（<=0 时使用默认值）。
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("memory store is nil")
	}
	m := &Manager{
		store:        store,
		historyLimit: DefaultToolHistoryLimit,
		now:          time.Now,
		logger:       zerolog.Nop(),
		locks:        newKeyedMutex(),
		active:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Conversation 返回对话句柄；id 为空时生成新 ID。
func (m *Manager) Conversation(id string) *ConversationMemory {
	id = strings.TrimSpace(id)
	if id == "" {
		id = NewConversationID(m.now())
	}
	return &ConversationMemory{id: id, m: m}
}

// Begin 返回对话句柄，并把该对话标记为处理中直到调用 release。
// 处理中的对话不会被 EvictIdle 删除。release 可重复调用。
func (m *Manager) Begin(id string) (*ConversationMemory, func()) {
	c := m.Conversation(id)
	m.activeMu.Lock()
	m.active[c.id]++
	m.activeMu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			m.activeMu.Lock()
			defer m.activeMu.Unlock()
			m.active[c.id]--
			if m.active[c.id] <= 0 {
				delete(m.active, c.id)
			}
		})
	}
}

// EvictIdle 在对话锁内执行 evict；对话处理中时跳过并返回 false。
func (m *Manager) EvictIdle(id string, evict func() (bool, error)) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.activeMu.Lock()
	busy := m.active[id] > 0
	m.activeMu.Unlock()
	if busy {
		return false, nil
	}
	return evict()
}

// NewConversationID 生成 conv_<毫秒时间戳>_<9 位随机串>。
func NewConversationID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("conv_%d_%s", now.UnixMilli(), random[:9])
}

// ConversationMemory 是单个对话的状态视图。
type ConversationMemory struct {
	id string
	m  *Manager
}

func (c *ConversationMemory) ConversationID() string { return c.id }

// LoadState 读取状态，首次访问时创建并保存一个空状态。
func (c *ConversationMemory) LoadState(ctx context.Context) (*State, error) {
	unlock := c.m.locks.Lock(c.id)
	defer unlock()

	st, err := c.loadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// UpdateContext 把 patch 浅合并进上下文（同名键覆盖，其余保留）。
func (c *ConversationMemory) UpdateContext(ctx context.Context, patch map[string]any) error {
	return c.mutate(ctx, func(st *State) {
		for k, v := range patch {
			st.Context[k] = v
		}
	})
}

// AddToolCall 追加一条工具调用记录，只保留最近 historyLimit 条。
func (c *ConversationMemory) AddToolCall(ctx context.Context, call ToolCall) error {
	if call.Timestamp.IsZero() {
		call.Timestamp = c.m.now().UTC()
	}
	return c.mutate(ctx, func(st *State) {
		st.ToolHistory = append(st.ToolHistory, call)
		if over := len(st.ToolHistory) - c.m.historyLimit; over > 0 {
			st.ToolHistory = append([]ToolCall(nil), st.ToolHistory[over:]...)
		}
	})
}

// UpdatePreferences 用 patch 中的非空字段更新用户偏好。
func (c *ConversationMemory) UpdatePreferences(ctx context.Context, patch Preferences) error {
	return c.mutate(ctx, func(st *State) {
		st.UserPreferences = st.UserPreferences.merge(patch)
	})
}

// mutate 在对话锁内完成读-改-写。
func (c *ConversationMemory) mutate(ctx context.Context, fn func(st *State)) error {
	unlock := c.m.locks.Lock(c.id)
	defer unlock()

	st, err := c.loadOrCreate(ctx)
	if err != nil {
		return err
	}
	fn(st)
	st.UpdatedAt = c.m.now().UTC()
	if st.UpdatedAt.Before(st.CreatedAt) {
		st.UpdatedAt = st.CreatedAt
	}
	if err := c.m.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save conversation %s: %w", c.id, err)
	}
	return nil
}

// loadOrCreate 必须在持有对话锁时调用。
func (c *ConversationMemory) loadOrCreate(ctx context.Context) (*State, error) {
	st, err := c.m.store.Load(ctx, c.id)
	if err == nil {
		if st.Context == nil {
			st.Context = map[string]any{}
		}
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load conversation %s: %w", c.id, err)
	}

	st = newState(c.id, c.m.now().UTC())
	if err := c.m.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", c.id, err)
	}
	c.m.logger.Debug().Str("conversation_id", c.id).Msg("conversation created")
	return st, nil
}

// keyedMutex 为每个 key 提供一把互斥锁，无人使用时回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
