package agent

import (
	"encoding/json"
	"errors"

	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/planner"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

// ErrInvalidRequest 表示请求结构不合法（如缺少 messages），不会做任何后续处理。
var ErrInvalidRequest = errors.New("invalid request")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 为一轮对话请求。Messages 为 nil 表示缺失；空切片合法。
type Request struct {
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
}

type Response struct {
	Response string   `json:"response"`
	Metadata Metadata `json:"metadata"`
}

// Metadata 为响应附带信息。兜底响应只序列化 {"error":true,"fallback":true}。
type Metadata struct {
	ConversationID     string   `json:"conversationId"`
	ToolsUsed          []string `json:"toolsUsed"`
	ContextDomains     []string `json:"contextDomains"`
	QueryType          string   `json:"queryType"`
	SuggestedFollowUps []string `json:"suggestedFollowUps"`
	HasToolData        bool     `json:"hasToolData"`

	Error    bool `json:"-"`
	Fallback bool `json:"-"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.Fallback {
		return json.Marshal(struct {
			Error    bool `json:"error"`
			Fallback bool `json:"fallback"`
		}{Error: m.Error, Fallback: true})
	}
	type plain Metadata
	return json.Marshal(plain(m))
}

func fallbackMetadata() Metadata {
	return Metadata{Error: true, Fallback: true}
}

// TurnState 在图中流转，每个节点补充自己负责的部分。
type TurnState struct {
	Request Request
	TraceID string
	Query   string

	Conversation *memory.ConversationMemory
	Prior        *memory.State

	Analysis analyzer.ContextAnalysis
	Plan     planner.ExecutionPlan
	Results  []tools.Result

	SystemPrompt string
	Answer       string
	Metadata     Metadata
}

// lastUserContent 返回最后一条 user 消息，没有时为空串。
func lastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// lastRawContent 返回最后一条消息（不区分角色）。
func lastRawContent(msgs []Message) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}
	return msgs[len(msgs)-1].Content, true
}
