// Package server 提供对话 HTTP 接口。
//
// 错误策略：请求结构不合法返回 400 {"error","code":"INVALID_REQUEST"}，
// 方法不对返回 405，限流返回 429；对话成功与兜底回答都返回 200。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit 为 /api/chat 每秒允许的请求数；<=0 不限流。
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// MaxBodyBytes 为请求体上限。
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		RateLimit:    5,
		RateBurst:    10,
		MaxBodyBytes: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// ChatHandler 处理一轮对话，由 agent.Orchestrator 实现。
type ChatHandler interface {
	Handle(ctx context.Context, req agent.Request) (agent.Response, error)
}

// ToolCatalog 提供工具描述。
type ToolCatalog interface {
	Descriptors() []tools.Descriptor
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics 记录 HTTP 指标，并在 /metrics 暴露 gatherer 中的指标。
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

type Server struct {
	cfg      Config
	chat     ChatHandler
	catalog  ToolCatalog
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

func New(cfg Config, chat ChatHandler, catalog ToolCatalog, opts ...Option) (*Server, error) {
	if chat == nil {
		return nil, errors.New("chat handler is required")
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		chat:    chat,
		catalog: catalog,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler 返回完整路由，测试可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var chat http.Handler = http.HandlerFunc(s.chatHandler)
	if s.cfg.RateLimit > 0 {
		chat = RateLimitMiddleware(chat, NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst))
	}
	mux.Handle("/api/chat", chat)
	mux.HandleFunc("/api/tools", s.toolsHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.instrument(mux)
}

// Start 阻塞直到服务关闭；正常关闭时返回 nil。
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
