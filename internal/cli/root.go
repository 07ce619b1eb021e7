package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wwwzy/SiapPanen/internal/config"
	"github.com/wwwzy/SiapPanen/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "siappanen",
	Short: "Siap Panen 是面向印尼农户的对话助手",
	Long: `Siap Panen 根据农户的提问分析意图，调用天气、种植、价格等工具，
再由大模型整理成印尼语回答。`,
	SilenceUsage: true,
}

// Execute 由 main.main() 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、./configs/config.yaml、$HOME/.siappanen/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量，并初始化日志。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
}
