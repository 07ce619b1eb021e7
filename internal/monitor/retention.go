package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wwwzy/SiapPanen/internal/metrics"
	"github.com/wwwzy/SiapPanen/internal/storage"
)

// Report 为一次清理的结果。
type Report struct {
	ConversationsDeleted int64
	ToolCallsTrimmed     int64
}

// ConversationGuard 让清理与进行中的对话请求互斥。
// evict 在对话锁内执行；对话处理中时 EvictIdle 不调用 evict 并返回 false。
type ConversationGuard interface {
	EvictIdle(id string, evict func() (bool, error)) (bool, error)
}

type RetentionCollector struct {
	cfg RetentionConfig

	store   *storage.Storage
	guard   ConversationGuard
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewRetentionCollector(store *storage.Storage) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{store: store, cfg: RetentionConfig{}.withDefaults(), logger: zerolog.Nop()}, nil
}

// WithGuard 设置后按对话逐个删除，跳过正在处理的对话。
func (c *RetentionCollector) WithGuard(g ConversationGuard) *RetentionCollector {
	c.guard = g
	return c
}

func (c *RetentionCollector) WithMetrics(m *metrics.Metrics) *RetentionCollector {
	c.metrics = m
	return c
}

func (c *RetentionCollector) WithLogger(l zerolog.Logger) *RetentionCollector {
	c.logger = l
	return c
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// RunOnce 立即执行一次清理：删除过期对话，并修剪每个对话的工具调用记录。
func (c *RetentionCollector) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	if c == nil || c.store == nil {
		return Report{}, errors.New("retention collector not initialized")
	}

	var deleted, trimmed atomic.Int64
	tasks := []func(context.Context) error{
		func(ctx context.Context) error {
			n, err := c.deleteConversationsBefore(ctx, now.Add(-c.cfg.KeepConversations))
			deleted.Add(n)
			return err
		},
	}
	if c.cfg.KeepToolCalls > 0 {
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := c.store.TrimToolCalls(ctx, c.cfg.KeepToolCalls)
			trimmed.Add(n)
			return err
		})
	}

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	report := func() Report {
		return Report{ConversationsDeleted: deleted.Load(), ToolCallsTrimmed: trimmed.Load()}
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return report(), ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	r := report()
	c.metrics.AddRetentionDeleted(r.ConversationsDeleted)
	if r.ConversationsDeleted > 0 || r.ToolCallsTrimmed > 0 {
		c.logger.Info().
			Int64("conversations_deleted", r.ConversationsDeleted).
			Int64("tool_calls_trimmed", r.ToolCallsTrimmed).
			Msg("retention pass finished")
	}

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			return r, err
		}
	}
	return r, nil
}

func (c *RetentionCollector) deleteConversationsBefore(ctx context.Context, before time.Time) (int64, error) {
	if c.guard != nil {
		return c.evictConversationsBefore(ctx, before)
	}

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := c.store.DeleteConversationsBeforeLimited(ctx, before, c.cfg.BatchRows)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

// evictConversationsBefore 逐个删除一批过期对话，被跳过的留到下一轮。
func (c *RetentionCollector) evictConversationsBefore(ctx context.Context, before time.Time) (int64, error) {
	ids, err := c.store.StaleConversationIDs(ctx, before, c.cfg.BatchRows)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		ok, err := c.guard.EvictIdle(id, func() (bool, error) {
			return c.store.DeleteConversationIfStale(ctx, id, before)
		})
		if err != nil {
			return total, err
		}
		if ok {
			total++
		} else {
			c.logger.Debug().Str("conversation_id", id).Msg("conversation busy or refreshed, skipped")
		}
	}
	return total, nil
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Prune 按 cfg 立即执行一次清理，供命令行使用。
func Prune(ctx context.Context, store *storage.Storage, cfg RetentionConfig) (Report, error) {
	c, err := NewRetentionCollector(store)
	if err != nil {
		return Report{}, err
	}
	c.cfg = cfg.withDefaults()
	return c.RunOnce(ctx, time.Now().UTC())
}
