package model

import "time"

// HistoryEntry 是嵌入在 ChatTurn 中的一条历史快照。
type HistoryEntry struct {
	TurnID    uint      `json:"turnId"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatTurn 对应 chat_turns 表，代表一次问答交互。
// 追加写入；History 字段在插入后补上自身，之后不再修改。
type ChatTurn struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           uint           `gorm:"index;not null" json:"userId"`
	DocumentID       *string        `gorm:"type:varchar(36);index" json:"documentId,omitempty"`
	FolderName       *string        `gorm:"type:varchar(255)" json:"folderName,omitempty"`
	SessionID        string         `gorm:"type:varchar(36);index;not null" json:"sessionId"`
	Question         string         `gorm:"type:text;not null" json:"question"`
	Answer           string         `gorm:"type:text;not null" json:"answer"`
	SourceUnitIDs    []uint         `gorm:"serializer:json;type:text" json:"sourceUnitIds"`
	UsedSecretPrompt bool           `gorm:"not null;default:false" json:"usedSecretPrompt"`
	PromptLabel      *string        `gorm:"type:varchar(64)" json:"promptLabel,omitempty"`
	History          []HistoryEntry `gorm:"serializer:json;type:mediumtext" json:"history"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatTurn) TableName() string {
	return "chat_turns"
}

// Entry 把一次问答转换为历史快照条目。
func (t *ChatTurn) Entry() HistoryEntry {
	return HistoryEntry{TurnID: t.ID, Question: t.Question, Answer: t.Answer, CreatedAt: t.CreatedAt}
}
