package storage

import "time"

// Conversation 持久化一次对话的累计上下文与用户偏好。
//
// 消息正文不落库：客户端每轮都会重发完整历史，这里只保存服务端推导出的状态。
type Conversation struct {
	// ID 为对话 ID（conv_<毫秒时间戳>_<随机串>），由上层生成。
	ID string `gorm:"primaryKey;size:64"`
	// ContextJSON 存放上下文键值对（JSON 对象）。
	ContextJSON string `gorm:"type:text;not null;default:'{}'"`
	// PreferencesJSON 存放用户偏好（JSON 对象）。
	PreferencesJSON string `gorm:"type:text;not null;default:'{}'"`
	CreatedAt       time.Time `gorm:"not null;index"`
	// UpdatedAt 由上层维护，清理任务按它判断对话是否过期。
	UpdatedAt time.Time `gorm:"not null;index"`
}

// ToolCallRecord 记录一次工具调用，每个对话只保留最近若干条。
type ToolCallRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// ConversationID 与 Seq 组成联合索引，Seq 为对话内的顺序号（从 0 开始）。
	ConversationID string `gorm:"size:64;not null;index:idx_tool_calls_conv_seq,priority:1"`
	Seq            int    `gorm:"not null;index:idx_tool_calls_conv_seq,priority:2"`
	// ToolName 为工具名（如 cekHargaPasar）。
	ToolName   string `gorm:"size:64;not null;index"`
	ParamsJSON string `gorm:"type:text"`
	ResultJSON string `gorm:"type:text"`
	Success    bool   `gorm:"not null;index"`
	// Timestamp 为调用发生时间（UTC）。
	Timestamp time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}
