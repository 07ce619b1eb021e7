package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

// loadNode 读取（或创建）对话状态，并取出本轮用户问题。
func (o *Orchestrator) loadNode(ctx context.Context, st *TurnState) (*TurnState, error) {
	if st.Conversation == nil {
		st.Conversation = o.memory.Conversation(st.Request.ConversationID)
	}
	prior, err := st.Conversation.LoadState(ctx)
	if err != nil {
		return st, fmt.Errorf("load state: %w", err)
	}
	st.Prior = prior
	st.Query = lastUserContent(st.Request.Messages)
	return st, nil
}

// analyzeNode 做上下文分析，并把工具推荐结果写入 RequiredTools。
func (o *Orchestrator) analyzeNode(_ context.Context, st *TurnState) (*TurnState, error) {
	a := o.analyzer.Analyze(st.Query, st.Prior.Context)
	recommended := o.registry.RecommendTools(st.Query)
	a.RequiredTools = make([]string, 0, len(recommended))
	for _, n := range recommended {
		a.RequiredTools = append(a.RequiredTools, string(n))
	}
	st.Analysis = a
	return st, nil
}

func (o *Orchestrator) planNode(_ context.Context, st *TurnState) (*TurnState, error) {
	st.Plan = o.planner.CreatePlan(st.Query, st.Analysis, o.registry.Names())
	return st, nil
}

// toolsNode 并发执行全部工具任务，按计划顺序收集结果并写入工具调用历史。
func (o *Orchestrator) toolsNode(ctx context.Context, st *TurnState) (*TurnState, error) {
	tasks := st.Plan.ToolTasks()
	results := make([]tools.Result, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, name tools.Name, params map[string]any) {
			defer wg.Done()
			results[i] = o.registry.Execute(ctx, name, params)
		}(i, task.ToolName, task.Parameters)
	}
	wg.Wait()

	for _, r := range results {
		call := memory.ToolCall{
			ToolName:   string(r.Tool),
			Parameters: r.Parameters,
			Result:     r.Payload(),
			Success:    !r.Failed(),
		}
		// 历史写入失败不影响回答
		if err := st.Conversation.AddToolCall(ctx, call); err != nil {
			o.logger.Warn().Err(err).
				Str("trace_id", st.TraceID).
				Str("tool", string(r.Tool)).
				Msg("record tool call failed")
		}
	}
	st.Results = results
	return st, nil
}

// respondNode 组装系统提示词并调用一次模型。
func (o *Orchestrator) respondNode(ctx context.Context, st *TurnState) (*TurnState, error) {
	prompt, err := buildSystemPrompt(st.Results, st.Plan.ResponseStrategy, st.Prior.UserPreferences)
	if err != nil {
		return st, fmt.Errorf("build system prompt: %w", err)
	}
	st.SystemPrompt = prompt

	answer, err := o.model.Complete(ctx, prompt, st.Query)
	o.metrics.ObserveModelCall("primary", err)
	if err != nil {
		return st, fmt.Errorf("primary model call: %w", err)
	}
	st.Answer = answer
	return st, nil
}

// persistNode 更新对话上下文并生成响应元数据。
func (o *Orchestrator) persistNode(ctx context.Context, st *TurnState) (*TurnState, error) {
	used := make([]string, 0, len(st.Results))
	for _, r := range st.Results {
		used = append(used, string(r.Tool))
	}

	patch := map[string]any{
		"last_query":      st.Query,
		"last_response":   st.Answer,
		"tools_used":      used,
		"context_domains": st.Analysis.AgriculturalDomain,
		"query_type":      st.Analysis.QueryType,
	}
	detected := ""
	if len(st.Analysis.DetectedCities) > 0 {
		detected = st.Analysis.DetectedCities[0]
		patch[analyzer.PriorLocationKey] = detected
	}
	if err := st.Conversation.UpdateContext(ctx, patch); err != nil {
		o.logger.Warn().Err(err).Str("trace_id", st.TraceID).Msg("update conversation context failed")
	}
	if detected != "" && detected != st.Prior.UserPreferences.Location {
		if err := st.Conversation.UpdatePreferences(ctx, memory.Preferences{Location: detected}); err != nil {
			o.logger.Warn().Err(err).Str("trace_id", st.TraceID).Msg("update preferences failed")
		}
	}

	st.Metadata = Metadata{
		ConversationID:     st.Conversation.ConversationID(),
		ToolsUsed:          used,
		ContextDomains:     st.Analysis.AgriculturalDomain,
		QueryType:          st.Analysis.QueryType,
		SuggestedFollowUps: suggestFollowUps(st.Analysis),
		HasToolData:        len(st.Results) > 0,
	}
	return st, nil
}
