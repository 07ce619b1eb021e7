package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/SiapPanen/internal/monitor"
	"github.com/wwwzy/SiapPanen/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理对话数据库",
	Long:  `查看 sqlite 中保存的对话与工具调用记录，或按保留策略立即清理。`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "列出最近的工具调用记录",
	RunE:  runCalls,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "立即清理过期对话并修剪工具调用记录",
	Long: `删除最后更新早于 --days 天的对话（连同工具调用记录），
并把每个对话的工具调用记录修剪到最近 --keep-calls 条。
未指定时使用配置文件中的 monitor.retention 策略。`,
	RunE: runPrune,
}

var (
	pruneDays      int
	pruneKeepCalls int

	callsConversation string
	callsTool         string
	callsFailedOnly   bool
	callsLimit        int
)

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "保留最近 N 天内更新过的对话")
	pruneCmd.Flags().IntVar(&pruneKeepCalls, "keep-calls", -1, "每个对话保留的工具调用条数（0 表示不修剪）")

	callsCmd.Flags().StringVar(&callsConversation, "conversation", "", "只显示该对话的记录")
	callsCmd.Flags().StringVar(&callsTool, "tool", "", "只显示该工具的记录")
	callsCmd.Flags().BoolVar(&callsFailedOnly, "failed", false, "只显示失败的调用")
	callsCmd.Flags().IntVar(&callsLimit, "limit", 20, "最多显示条数")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(callsCmd)
	storageCmd.AddCommand(pruneCmd)
}

func openStorage(ctx context.Context) (*storage.Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	printCounts(store.Path(), counts)
	return nil
}

func printCounts(path string, c storage.Counts) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if path == "" {
		path = "(in-memory)"
	}
	if fi, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "Database:\t%s (%.2f MB)\n", path, float64(fi.Size())/1024/1024)
	} else {
		fmt.Fprintf(w, "Database:\t%s\n", path)
	}
	fmt.Fprintf(w, "Conversations:\t%d\n", c.Conversations)
	fmt.Fprintf(w, "Tool Calls:\t%d\n", c.ToolCalls)
	if c.Oldest != nil && c.Newest != nil {
		fmt.Fprintf(w, "Last Updated:\t%s .. %s\n",
			c.Oldest.Local().Format("2006-01-02 15:04:05"),
			c.Newest.Local().Format("2006-01-02 15:04:05"))
	}
}

func runCalls(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	q := storage.ToolCallQuery{
		ConversationID: callsConversation,
		ToolName:       callsTool,
		Limit:          callsLimit,
		Desc:           true,
	}
	if callsFailedOnly {
		failed := false
		q.Success = &failed
	}
	rows, err := store.QueryToolCalls(ctx, q)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No tool calls found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "TIME\tCONVERSATION\tTOOL\tOK\tPARAMS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.ConversationID, r.ToolName, r.Success, truncate(r.ParamsJSON, 60))
	}
	return nil
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rc := cfg.Monitor.Retention
	if pruneDays > 0 {
		rc.KeepConversations = time.Duration(pruneDays) * 24 * time.Hour
	}
	if pruneKeepCalls >= 0 {
		rc.KeepToolCalls = pruneKeepCalls
	}

	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Pruning conversations not updated for %s, keeping %d tool calls each...\n",
		rc.KeepConversations, rc.KeepToolCalls)
	report, err := monitor.Prune(ctx, store, rc)
	if err != nil {
		return fmt.Errorf("清理失败: %w", err)
	}
	fmt.Printf("Prune completed. Deleted %d conversations, trimmed %d tool calls.\n",
		report.ConversationsDeleted, report.ToolCallsTrimmed)

	if counts, err := store.Counts(ctx); err == nil {
		printCounts(store.Path(), counts)
	}
	return nil
}
