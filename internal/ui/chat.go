package ui

import (
	"context"
	"strings"

	"github.com/wwwzy/SiapPanen/internal/agent"
)

// ChatBackend 处理一轮对话，由 agent.Orchestrator 实现。
type ChatBackend interface {
	Handle(ctx context.Context, req agent.Request) (agent.Response, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, session *Session, opts ChatOptions) error
}

type ChatOptions struct {
	// ShowMetadata 在回答后显示用到的工具与推荐追问。
	ShowMetadata bool
}

// Session 保存客户端侧的消息历史与对话 ID，每轮把完整历史发给后端。
type Session struct {
	ConversationID string
	Messages       []agent.Message
}

func NewSession(conversationID string) *Session {
	return &Session{ConversationID: strings.TrimSpace(conversationID), Messages: []agent.Message{}}
}

// Send 追加一条用户消息并请求后端；成功时把回答追加到历史。
// 后端返回的对话 ID 会被记住，兜底回答不带 ID 时沿用旧值。
func (s *Session) Send(ctx context.Context, backend ChatBackend, text string) (agent.Response, error) {
	s.Messages = append(s.Messages, agent.Message{Role: agent.RoleUser, Content: text})

	msgs := make([]agent.Message, len(s.Messages))
	copy(msgs, s.Messages)

	resp, err := backend.Handle(ctx, agent.Request{Messages: msgs, ConversationID: s.ConversationID})
	if err != nil {
		return agent.Response{}, err
	}
	if id := resp.Metadata.ConversationID; id != "" {
		s.ConversationID = id
	}
	s.Messages = append(s.Messages, agent.Message{Role: agent.RoleAssistant, Content: resp.Response})
	return resp, nil
}

// IsExit 判断输入是否为退出指令。
func IsExit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "quit", "keluar":
		return true
	}
	return false
}
