package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/SiapPanen/internal/agent"
	"github.com/wwwzy/SiapPanen/internal/llm"
	"github.com/wwwzy/SiapPanen/internal/market"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/monitor"
	"github.com/wwwzy/SiapPanen/internal/planner"
	"github.com/wwwzy/SiapPanen/internal/server"
	"github.com/wwwzy/SiapPanen/internal/storage"
)

const (
	MemoryBackendMemory = "memory"
	MemoryBackendSQLite = "sqlite"
	MemoryBackendRedis  = "redis"
)

// MemoryConfig 选择对话状态的存放位置。
type MemoryConfig struct {
	Backend      string             `mapstructure:"backend"`
	HistoryLimit int                `mapstructure:"history_limit"`
	Retry        memory.RetryConfig `mapstructure:"retry"`
	Redis        memory.RedisConfig `mapstructure:"redis"`
}

type AgentConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
	// FallbackModelID 为兜底回答使用的模型；为空时与主模型相同。
	FallbackModelID string            `mapstructure:"fallback_model_id"`
	Breaker         llm.BreakerConfig `mapstructure:"breaker"`
	WeatherLocation string            `mapstructure:"weather_location"`
	MarketLocation  string            `mapstructure:"market_location"`
}

// Orchestrator 返回编排器使用的超时配置。
func (a AgentConfig) Orchestrator() agent.Config {
	return agent.Config{RequestTimeout: a.RequestTimeout, FallbackTimeout: a.FallbackTimeout}
}

func (a AgentConfig) Planner() planner.Config {
	return planner.Config{WeatherLocation: a.WeatherLocation, MarketLocation: a.MarketLocation}
}

type MarketConfig struct {
	// Seed 为价格模拟的随机种子；0 表示按时间取种子。
	Seed    uint64                `mapstructure:"seed"`
	Sources []market.SourceConfig `mapstructure:"sources"`
	Breaker market.BreakerConfig  `mapstructure:"breaker"`
}

type Config struct {
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"`
	Storage   storage.Config `mapstructure:"storage"`
	Memory    MemoryConfig   `mapstructure:"memory"`
	Ark       llm.ArkConfig  `mapstructure:"ark"`
	Agent     AgentConfig    `mapstructure:"agent"`
	Market    MarketConfig   `mapstructure:"market"`
	Server    server.Config  `mapstructure:"server"`
	Monitor   monitor.Config `mapstructure:"monitor"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.siappanen")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SIAPPANEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只认识已知的 key，所以所有字段都要有默认值，环境变量才能覆盖。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}

	switch c.Memory.Backend {
	case MemoryBackendMemory, MemoryBackendSQLite:
	case MemoryBackendRedis:
		if c.Memory.Redis.Addr == "" {
			return fmt.Errorf("memory.redis.addr is required when memory.backend is redis")
		}
	default:
		return fmt.Errorf("memory.backend must be one of memory, sqlite, redis (got %q)", c.Memory.Backend)
	}
	if c.Memory.HistoryLimit <= 0 {
		return fmt.Errorf("memory.history_limit must be positive")
	}

	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json (got %q)", c.LogFormat)
	}

	for i, src := range c.Market.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("market.sources[%d]: name and url are required", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)

	// -------------------------------------------------------------------------
	// Memory
	// -------------------------------------------------------------------------
	v.SetDefault("memory.backend", d.Memory.Backend)
	v.SetDefault("memory.history_limit", d.Memory.HistoryLimit)
	v.SetDefault("memory.retry.attempts", d.Memory.Retry.Attempts)
	v.SetDefault("memory.retry.delay", d.Memory.Retry.Delay)
	v.SetDefault("memory.redis.addr", d.Memory.Redis.Addr)
	v.SetDefault("memory.redis.password", d.Memory.Redis.Password)
	v.SetDefault("memory.redis.db", d.Memory.Redis.DB)
	v.SetDefault("memory.redis.key_prefix", d.Memory.Redis.KeyPrefix)
	v.SetDefault("memory.redis.ttl", d.Memory.Redis.TTL)

	// -------------------------------------------------------------------------
	// Agent
	// -------------------------------------------------------------------------
	v.SetDefault("agent.request_timeout", d.Agent.RequestTimeout)
	v.SetDefault("agent.fallback_timeout", d.Agent.FallbackTimeout)
	v.SetDefault("agent.fallback_model_id", d.Agent.FallbackModelID)
	v.SetDefault("agent.breaker.max_failures", d.Agent.Breaker.MaxFailures)
	v.SetDefault("agent.breaker.open_timeout", d.Agent.Breaker.OpenTimeout)
	v.SetDefault("agent.weather_location", d.Agent.WeatherLocation)
	v.SetDefault("agent.market_location", d.Agent.MarketLocation)

	// -------------------------------------------------------------------------
	// Market
	// -------------------------------------------------------------------------
	v.SetDefault("market.seed", d.Market.Seed)
	v.SetDefault("market.breaker.max_failures", d.Market.Breaker.MaxFailures)
	v.SetDefault("market.breaker.open_timeout", d.Market.Breaker.OpenTimeout)

	// -------------------------------------------------------------------------
	// Server
	// -------------------------------------------------------------------------
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)

	// -------------------------------------------------------------------------
	// Monitor Retention
	// -------------------------------------------------------------------------
	v.SetDefault("monitor.retention.enabled", d.Monitor.Retention.Enabled)
	v.SetDefault("monitor.retention.interval", d.Monitor.Retention.Interval)
	v.SetDefault("monitor.retention.workers", d.Monitor.Retention.Workers)
	v.SetDefault("monitor.retention.batch_rows", d.Monitor.Retention.BatchRows)
	v.SetDefault("monitor.retention.idle_sleep", d.Monitor.Retention.IdleSleep)
	v.SetDefault("monitor.retention.keep_conversations", d.Monitor.Retention.KeepConversations)
	v.SetDefault("monitor.retention.keep_tool_calls", d.Monitor.Retention.KeepToolCalls)

	// -------------------------------------------------------------------------
	// Ark
	// -------------------------------------------------------------------------
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", d.Ark.BaseURL)

	_ = v.BindEnv("ark.api_key", "ARK_API_KEY")
	_ = v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	_ = v.BindEnv("ark.base_url", "ARK_BASE_URL")
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Storage: storage.Config{
			Path:        "siappanen.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		Memory: MemoryConfig{
			Backend:      MemoryBackendSQLite,
			HistoryLimit: memory.DefaultToolHistoryLimit,
			Retry:        memory.RetryConfig{Attempts: 3, Delay: 50 * time.Millisecond},
			Redis:        memory.RedisConfig{KeyPrefix: "siappanen:conv:", TTL: 7 * 24 * time.Hour},
		},
		Ark: llm.ArkConfig{BaseURL: "https://ark.cn-beijing.volces.com/api/v3"},
		Agent: AgentConfig{
			RequestTimeout:  agent.DefaultConfig().RequestTimeout,
			FallbackTimeout: agent.DefaultConfig().FallbackTimeout,
			Breaker:         llm.BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
			WeatherLocation: "Bandung",
			MarketLocation:  "Jakarta",
		},
		Market: MarketConfig{
			Breaker: market.BreakerConfig{MaxFailures: 3, OpenTimeout: 30 * time.Second},
		},
		Server:  server.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
	}
}
