// Package memory 管理按对话 ID 划分的会话状态：累计上下文、工具调用历史与用户偏好。
//
// 状态存放在 Store 中（进程内 map、sqlite 或 Redis）。同一对话的写操作在
// ConversationMemory 内按 ID 串行化，读写都对状态做拷贝，调用方拿到的 map 不会与存储共享。
package memory

import (
	"context"
	"errors"
	"maps"
	"time"
)

// DefaultToolHistoryLimit 为每个对话默认保留的工具调用条数。
const DefaultToolHistoryLimit = 20

// ErrNotFound 表示存储中没有该对话。
var ErrNotFound = errors.New("conversation not found")

// ToolCall 为一次工具调用记录。
type ToolCall struct {
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
	Result     any            `json:"result"`
	Timestamp  time.Time      `json:"timestamp"`
	Success    bool           `json:"success"`
}

// Preferences 为用户偏好，空字段表示未设置。
type Preferences struct {
	Location        string `json:"location,omitempty"`
	FarmType        string `json:"farmType,omitempty"`
	ExperienceLevel string `json:"experienceLevel,omitempty"`
	ResponseStyle   string `json:"responseStyle,omitempty"`
}

const (
	ExperienceBeginner     = "beginner"
	ExperienceIntermediate = "intermediate"
	ExperienceExpert       = "expert"

	ResponseDetailed = "detailed"
	ResponseConcise  = "concise"
)

// merge 用 patch 中的非空字段覆盖 p。
func (p Preferences) merge(patch Preferences) Preferences {
	if patch.Location != "" {
		p.Location = patch.Location
	}
	if patch.FarmType != "" {
		p.FarmType = patch.FarmType
	}
	if patch.ExperienceLevel != "" {
		p.ExperienceLevel = patch.ExperienceLevel
	}
	if patch.ResponseStyle != "" {
		p.ResponseStyle = patch.ResponseStyle
	}
	return p
}

// State 为单个对话的状态。消息正文不在这里保存，客户端每轮重发完整历史。
type State struct {
	ConversationID  string         `json:"conversationId"`
	Context         map[string]any `json:"context"`
	ToolHistory     []ToolCall     `json:"toolHistory"`
	UserPreferences Preferences    `json:"userPreferences"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func newState(id string, now time.Time) *State {
	return &State{
		ConversationID:  id,
		Context:         map[string]any{},
		ToolHistory:     []ToolCall{},
		UserPreferences: Preferences{ResponseStyle: ResponseDetailed},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone 返回状态拷贝：Context 与工具参数做一层拷贝，值本身不深拷贝。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = maps.Clone(s.Context)
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	out.ToolHistory = make([]ToolCall, len(s.ToolHistory))
	for i, c := range s.ToolHistory {
		c.Parameters = maps.Clone(c.Parameters)
		out.ToolHistory[i] = c
	}
	return &out
}

// Store 为状态存储后端。
type Store interface {
	// Load 读取对话状态；不存在时返回 ErrNotFound。
	Load(ctx context.Context, id string) (*State, error)
	// Save 写入完整状态（覆盖）。
	Save(ctx context.Context, st *State) error
}
