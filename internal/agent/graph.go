package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
)

const (
	NodeLoad    = "load_node"
	NodeAnalyze = "analyze_node"
	NodePlan    = "plan_node"
	NodeTools   = "tools_node"
	NodeRespond = "respond_node"
	NodePersist = "persist_node"
)

// buildGraph 构建单轮对话的处理流程图：
// load -> analyze -> plan -> (tools) -> respond -> persist
func (o *Orchestrator) buildGraph(ctx context.Context) (compose.Runnable[*TurnState, *TurnState], error) {
	g := compose.NewGraph[*TurnState, *TurnState]()

	nodes := []struct {
		key string
		fn  func(context.Context, *TurnState) (*TurnState, error)
	}{
		{NodeLoad, o.loadNode},
		{NodeAnalyze, o.analyzeNode},
		{NodePlan, o.planNode},
		{NodeTools, o.toolsNode},
		{NodeRespond, o.respondNode},
		{NodePersist, o.persistNode},
	}
	for _, n := range nodes {
		if err := g.AddLambdaNode(n.key, compose.InvokableLambda(n.fn)); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.key, err)
		}
	}

	edges := [][2]string{
		{compose.START, NodeLoad},
		{NodeLoad, NodeAnalyze},
		{NodeAnalyze, NodePlan},
		{NodeTools, NodeRespond},
		{NodeRespond, NodePersist},
		{NodePersist, compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s -> %s: %w", e[0], e[1], err)
		}
	}

	// Plan -> Tools OR Respond
	// 计划里没有工具任务时直接生成回答
	err := g.AddBranch(NodePlan, compose.NewGraphBranch(func(_ context.Context, st *TurnState) (string, error) {
		if len(st.Plan.ToolTasks()) > 0 {
			return NodeTools, nil
		}
		return NodeRespond, nil
	}, map[string]bool{
		NodeTools:   true,
		NodeRespond: true,
	}))
	if err != nil {
		return nil, fmt.Errorf("add plan branch: %w", err)
	}

	runnable, err := g.Compile(ctx, compose.WithGraphName("siappanen_turn"))
	if err != nil {
		return nil, fmt.Errorf("compile graph: %w", err)
	}
	return runnable, nil
}
