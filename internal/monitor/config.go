package monitor

import (
	"time"
)

type ErrorHandler func(err error)

type RetentionConfig struct {
	// Enabled 控制后台清理任务是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清理周期。
	Interval time.Duration `mapstructure:"interval"`
	// Workers 为并发执行清理任务的 worker 数量；sqlite 只有一个写者，默认 1。
	Workers int `mapstructure:"workers"`
	// BatchRows 为单次删除的最大对话数。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的停顿，避免长时间占用写锁。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	// KeepConversations 为对话保留时长（按最后更新时间）。
	KeepConversations time.Duration `mapstructure:"keep_conversations"`
	// KeepToolCalls 为每个对话保留的工具调用条数；<=0 时不修剪。
	KeepToolCalls int `mapstructure:"keep_tool_calls"`

	// OnError 为异步错误回调；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	Retention RetentionConfig `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Retention: RetentionConfig{
			Enabled:           true,
			Interval:          time.Hour,
			Workers:           1,
			BatchRows:         500,
			KeepConversations: 30 * 24 * time.Hour,
			KeepToolCalls:     20,
		},
	}
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.KeepConversations <= 0 {
		c.KeepConversations = 30 * 24 * time.Hour
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}
