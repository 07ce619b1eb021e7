package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/SiapPanen/internal/monitor"
	"github.com/wwwzy/SiapPanen/internal/server"
)

const shutdownTimeout = 15 * time.Second

// serveCmd 启动 HTTP 对话服务与后台数据清理
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 Siap Panen HTTP 服务",
	Long: `启动 /api/chat 对话接口。
同时在 sqlite 后端上按 monitor.retention 配置定期清理过期对话。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 2. 组装组件
		logger.Info().Str("memory_backend", cfg.Memory.Backend).Msg("initializing components")
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3. 数据清理只对 sqlite 生效；redis 依赖 TTL
		var mgr *monitor.Manager
		if a.store != nil && cfg.Monitor.Retention.Enabled {
			mgr, err = monitor.NewManager(cfg.Monitor)
			if err != nil {
				return fmt.Errorf("创建监控管理器失败: %w", err)
			}
			ret, err := monitor.NewRetentionCollector(a.store)
			if err != nil {
				return fmt.Errorf("创建 retention 采集器失败: %w", err)
			}
			mgr.WithRetention(ret.
				WithGuard(a.memory).
				WithMetrics(a.metrics).
				WithLogger(logger.With().Str("component", "retention").Logger()))
			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("启动管理器失败: %w", err)
			}
		}

		// 4. HTTP 服务
		srv, err := server.New(cfg.Server, a.orchestrator, a.tools,
			server.WithLogger(logger.With().Str("component", "http").Logger()),
			server.WithMetrics(a.metrics, a.registry),
		)
		if err != nil {
			return fmt.Errorf("创建 HTTP 服务失败: %w", err)
		}
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Start() }()

		// 5. 等待信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		logger.Info().Str("addr", cfg.Server.Addr).Msg("Siap Panen started, press Ctrl+C to stop")

		var runErr error
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case runErr = <-srvErr:
			if runErr != nil {
				logger.Error().Err(runErr).Msg("HTTP server stopped")
			}
		}

		// 6. 优雅停止
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}

		cancel()
		if mgr != nil {
			mgr.Stop()
			if err := mgr.Wait(); err != nil {
				return fmt.Errorf("管理器停止时发生错误: %w", err)
			}
		}

		logger.Info().Msg("shutdown complete")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
