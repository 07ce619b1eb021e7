package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/SiapPanen/internal/logging"
	"github.com/wwwzy/SiapPanen/internal/tui"
	"github.com/wwwzy/SiapPanen/internal/ui"
)

var (
	chatUI           string
	chatConversation string
	chatShowMeta     bool
	chatLogFile      string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `在终端里与 Siap Panen 对话，不需要启动 HTTP 服务。
传入 --conversation 可以接着之前的对话继续。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		// 对话界面占用终端，日志默认丢弃，需要时写到文件
		var logOut io.Writer = io.Discard
		if chatLogFile != "" {
			f, err := os.OpenFile(chatLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("打开日志文件失败: %w", err)
			}
			defer f.Close()
			logOut = f
		}
		chatLogger, err := logging.New(cfg.LogLevel, logging.FormatJSON, logOut)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg, chatLogger)
		if err != nil {
			return err
		}
		defer a.Close()

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		return uiImpl.Run(ctx, a.orchestrator, ui.NewSession(chatConversation), ui.ChatOptions{
			ShowMetadata: chatShowMeta,
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "继续已有的对话 ID")
	chatCmd.Flags().BoolVar(&chatShowMeta, "show-meta", true, "显示用到的工具与推荐追问")
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "", "日志输出文件（默认不输出）")
}
