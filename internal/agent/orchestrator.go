// Package agent 编排单轮对话：读取对话状态、分析上下文、执行工具、调用模型并保存状态。
//
// 主流程是一张 eino 图（见 buildGraph）。图中任何一步失败都会进入兜底流程：
// 用固定人设提示词和最后一条原始消息再调用一次模型，仍失败时返回静态致歉文本。
// 除请求校验错误外，Handle 不会返回错误。
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/llm"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/planner"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
	outcomeApology  = "apology"
	outcomeInvalid  = "invalid"
)

type Config struct {
	// RequestTimeout 为主流程的整体超时。
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// FallbackTimeout 为兜底调用自己的超时，不受已过期的主流程超时影响。
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:  60 * time.Second,
		FallbackTimeout: 20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	return c
}

// Deps 为编排器依赖的组件，全部由调用方构造后注入。
type Deps struct {
	Registry *tools.Registry
	Analyzer *analyzer.Analyzer
	Planner  *planner.Planner
	Memory   *memory.Manager
	Model    llm.Completer
	// FallbackModel 为空时与 Model 相同。
	FallbackModel llm.Completer
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type Orchestrator struct {
	registry *tools.Registry
	analyzer *analyzer.Analyzer
	planner  *planner.Planner
	memory   *memory.Manager
	model    llm.Completer
	fallback llm.Completer

	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	graph   compose.Runnable[*TurnState, *TurnState]
}

func New(ctx context.Context, deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("tool registry is required")
	case deps.Memory == nil:
		return nil, errors.New("conversation memory is required")
	case deps.Model == nil:
		return nil, errors.New("model is required")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New()
	}
	if deps.Planner == nil {
		deps.Planner = planner.New(planner.Config{})
	}
	if deps.FallbackModel == nil {
		deps.FallbackModel = deps.Model
	}

	o := &Orchestrator{
		registry: deps.Registry,
		analyzer: deps.Analyzer,
		planner:  deps.Planner,
		memory:   deps.Memory,
		model:    deps.Model,
		fallback: deps.FallbackModel,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	g, err := o.buildGraph(ctx)
	if err != nil {
		return nil, err
	}
	o.graph = g
	return o, nil
}

// Registry 返回工具注册表，供接口层展示工具描述。
func (o *Orchestrator) Registry() *tools.Registry { return o.registry }

// Validate 检查请求结构。
func Validate(req Request) error {
	if req.Messages == nil {
		return fmt.Errorf("%w: messages is required", ErrInvalidRequest)
	}
	return nil
}

// Handle 处理一轮对话。只有请求校验失败时返回错误（ErrInvalidRequest）。
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	if err := Validate(req); err != nil {
		o.metrics.ObserveChat(outcomeInvalid, time.Since(start))
		return Response{}, err
	}
	done := o.metrics.TrackInflight()
	defer done()

	ctx, traceID := ensureTraceID(ctx)
	log := o.logger.With().Str("trace_id", traceID).Logger()

	st, err := o.runPrimary(ctx, traceID, req)
	if err == nil {
		log.Info().
			Str("conversation_id", st.Metadata.ConversationID).
			Strs("tools", st.Metadata.ToolsUsed).
			Str("query_type", st.Metadata.QueryType).
			Dur("duration", time.Since(start)).
			Msg("chat handled")
		o.metrics.ObserveChat(outcomeOK, time.Since(start))
		return Response{Response: st.Answer, Metadata: st.Metadata}, nil
	}

	log.Error().Err(err).Msg("primary path failed, using fallback")
	text, ok := o.answerFallback(ctx, req)
	outcome := outcomeFallback
	if !ok {
		outcome = outcomeApology
	}
	o.metrics.ObserveChat(outcome, time.Since(start))
	return Response{Response: text, Metadata: fallbackMetadata()}, nil
}

// runPrimary 在请求超时内运行主流程图，图内 panic 也转换为错误。
func (o *Orchestrator) runPrimary(ctx context.Context, traceID string, req Request) (out *TurnState, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("panic in chat graph: %v", p)
		}
	}()

	conv, release := o.memory.Begin(req.ConversationID)
	defer release()

	out, err = o.graph.Invoke(ctx, &TurnState{Request: req, TraceID: traceID, Conversation: conv})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("chat graph returned no state")
	}
	return out, nil
}

// answerFallback 用固定人设和最后一条原始消息单独调用一次模型。
// 超时从调用方 ctx 重新计算，调用方取消时仍会中止。第二个返回值表示模型是否成功作答。
func (o *Orchestrator) answerFallback(ctx context.Context, req Request) (text string, ok bool) {
	last, has := lastRawContent(req.Messages)
	if !has {
		return GreetingText, true
	}
	if last == "" {
		last = "Halo"
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error().Interface("panic", p).Msg("fallback model call panicked")
			text, ok = ApologyText, false
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FallbackTimeout)
	defer cancel()

	answer, err := o.fallback.Complete(fctx, FallbackPersonaPrompt, last)
	o.metrics.ObserveModelCall("fallback", err)
	if err != nil {
		o.logger.Error().Err(err).Str("trace_id", GetTraceID(ctx)).Msg("fallback model call failed")
		return ApologyText, false
	}
	return answer, true
}
