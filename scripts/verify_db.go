package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wwwzy/SiapPanen/internal/storage"
)

func main() {
	path := flag.String("db", "siappanen.db", "sqlite 数据库路径")
	flag.Parse()

	db, err := gorm.Open(sqlite.Open(*path), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying Siap Panen Database ---")

	if !db.Migrator().HasTable(&storage.Conversation{}) {
		fmt.Println("Table 'conversations' does not exist yet.")
	} else {
		var n int64
		db.Model(&storage.Conversation{}).Count(&n)
		fmt.Printf("Total Conversations: %d\n", n)

		if n > 0 {
			var convs []storage.Conversation
			db.Order("updated_at desc").Limit(5).Find(&convs)
			fmt.Println("Latest 5 Conversations (Local Time):")
			for _, c := range convs {
				fmt.Printf("  [%s] %s prefs=%s\n",
					c.UpdatedAt.Local().Format("2006-01-02 15:04:05"), c.ID, c.PreferencesJSON)
			}
		}
	}

	fmt.Println("\n------------------------------------")

	if !db.Migrator().HasTable(&storage.ToolCallRecord{}) {
		fmt.Println("Table 'tool_call_records' does not exist yet.")
		return
	}
	var n int64
	db.Model(&storage.ToolCallRecord{}).Count(&n)
	fmt.Printf("Total Tool Calls: %d\n", n)

	type usage struct {
		ToolName string
		Calls    int64
		Failed   int64
	}
	var rows []usage
	db.Model(&storage.ToolCallRecord{}).
		Select("tool_name, COUNT(*) AS calls, SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failed").
		Group("tool_name").
		Order("calls DESC").
		Scan(&rows)
	for _, r := range rows {
		fmt.Printf("  %-22s calls=%d failed=%d\n", r.ToolName, r.Calls, r.Failed)
	}
}
