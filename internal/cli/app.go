package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/config"
	"github.com/wwwzy/SiapPanen/internal/llm"
	"github.com/wwwzy/SiapPanen/internal/market"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/planner"
	"github.com/wwwzy/SiapPanen/internal/storage"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

// app 持有一次进程运行所需的全部组件。
type app struct {
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// store 仅在 memory.backend=sqlite 时打开。
	store        *storage.Storage
	memory       *memory.Manager
	tools        *tools.Registry
	orchestrator *agent.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context, c *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{logger: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	memStore, err := a.openMemoryStore(ctx, c)
	if err != nil {
		return nil, err
	}
	a.memory, err = memory.NewManager(memStore,
		memory.WithHistoryLimit(c.Memory.HistoryLimit),
		memory.WithLogger(log.With().Str("component", "memory").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("创建对话记忆失败: %w", err)
	}

	svc, err := newMarketService(c, log)
	if err != nil {
		return nil, err
	}

	a.tools, err = tools.NewRegistry(tools.Deps{Market: svc},
		tools.WithMetrics(a.metrics),
		tools.WithLogger(log.With().Str("component", "tools").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("创建工具注册表失败: %w", err)
	}

	primary, fallback, err := newCompleters(ctx, c)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = agent.New(ctx, agent.Deps{
		Registry:      a.tools,
		Analyzer:      analyzer.New(),
		Planner:       planner.New(c.Agent.Planner()),
		Memory:        a.memory,
		Model:         primary,
		FallbackModel: fallback,
	}, c.Agent.Orchestrator(),
		agent.WithLogger(log.With().Str("component", "agent").Logger()),
		agent.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("构建编排器失败: %w", err)
	}
	return a, nil
}

func (a *app) openMemoryStore(ctx context.Context, c *config.Config) (memory.Store, error) {
	switch c.Memory.Backend {
	case config.MemoryBackendMemory:
		return memory.NewMemoryStore(), nil

	case config.MemoryBackendRedis:
		rs, err := memory.NewRedisStore(ctx, c.Memory.Redis)
		if err != nil {
			return nil, fmt.Errorf("连接 redis 失败: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil

	default:
		st, err := storage.Open(ctx, c.Storage)
		if err != nil {
			return nil, fmt.Errorf("打开存储失败: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
		return memory.NewSQLStore(st, c.Memory.Retry)
	}
}

func newMarketService(c *config.Config, log zerolog.Logger) (*market.Service, error) {
	table, err := market.DefaultTable()
	if err != nil {
		return nil, fmt.Errorf("加载价格表失败: %w", err)
	}

	sources := make([]market.PriceSource, 0, len(c.Market.Sources))
	for _, sc := range c.Market.Sources {
		src, err := market.NewHTTPSource(sc, c.Market.Breaker, nil)
		if err != nil {
			return nil, fmt.Errorf("行情源 %s: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}

	svc, err := market.NewService(table,
		market.WithSources(sources...),
		market.WithRandom(market.NewRandom(c.Market.Seed)),
		market.WithLogger(log.With().Str("component", "market").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("创建价格服务失败: %w", err)
	}
	return svc, nil
}

// newCompleters 主模型与兜底模型使用各自的熔断器；未配置兜底模型时复用同一个 Ark 模型。
func newCompleters(ctx context.Context, c *config.Config) (llm.Completer, llm.Completer, error) {
	cm, err := llm.NewArkChatModel(ctx, c.Ark)
	if err != nil {
		return nil, nil, err
	}
	primary, err := llm.NewChatModelCompleter("primary", cm, c.Agent.Breaker)
	if err != nil {
		return nil, nil, err
	}

	fallbackModel := cm
	if id := c.Agent.FallbackModelID; id != "" && id != c.Ark.ModelID {
		arkCfg := c.Ark
		arkCfg.ModelID = id
		if fallbackModel, err = llm.NewArkChatModel(ctx, arkCfg); err != nil {
			return nil, nil, fmt.Errorf("fallback model: %w", err)
		}
	}
	fallback, err := llm.NewChatModelCompleter("fallback", fallbackModel, c.Agent.Breaker)
	if err != nil {
		return nil, nil, err
	}
	return primary, fallback, nil
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
