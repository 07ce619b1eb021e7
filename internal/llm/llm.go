// Package llm 封装对话模型调用：complete(systemPrompt, userPrompt) -> text。
//
// 调用失败不会重试；ChatModelCompleter 自带熔断器，连续失败后直接拒绝，
// 由上层走兜底流程。
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"
)

// Completer 为对外暴露的生成能力。
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var (
	// ErrCircuitOpen 表示熔断器打开，本次调用未发出。
	ErrCircuitOpen = errors.New("model circuit open")
	// ErrEmptyResponse 表示模型返回了空内容。
	ErrEmptyResponse = errors.New("model returned empty response")
)

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

// NewArkChatModel 初始化 Ark ChatModel
func NewArkChatModel(ctx context.Context, cfg ArkConfig) (*ark.ChatModel, error) {
	if cfg.APIKey == "" || cfg.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init ark chat model: %w", err)
	}
	return chatModel, nil
}

// BreakerConfig 控制模型调用熔断。
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// ChatModelCompleter 用 eino 提示词模板组装 system + user 两条消息，调用一次 Generate。
type ChatModelCompleter struct {
	model    model.BaseChatModel
	template prompt.ChatTemplate
	breaker  *gobreaker.CircuitBreaker
}

// NewChatModelCompleter name 用于区分熔断器（如 primary / fallback）。
func NewChatModelCompleter(name string, cm model.BaseChatModel, bc BreakerConfig) (*ChatModelCompleter, error) {
	if cm == nil {
		return nil, errors.New("chat model is nil")
	}
	bc = bc.withDefaults()
	return &ChatModelCompleter{
		model:    cm,
		template: newTemplate(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "model:" + name,
			Timeout: bc.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bc.MaxFailures
			},
			// 调用方取消不计入失败
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}, nil
}

// newTemplate 两个占位符的值原样填入，值中的花括号（如工具结果 JSON）不会再被解析。
func newTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)
}

func (c *ChatModelCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages, err := c.template.Format(ctx, map[string]any{
		"system": systemPrompt,
		"query":  userPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		msg, err := c.model.Generate(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("chat model generate: %w", err)
		}
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			return nil, ErrEmptyResponse
		}
		return msg.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	return out.(string), nil
}

// State 返回熔断器状态，供健康检查展示。
func (c *ChatModelCompleter) State() string {
	return c.breaker.State().String()
}

// CompleterFunc 让普通函数实现 Completer。
type CompleterFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}
