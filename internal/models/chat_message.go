package models

// ChatMessage is one inbound (or bot-authored) message in the append-only log.
type ChatMessage struct {
	ID               string `gorm:"primaryKey;size:128"`
	ChatJID          string `gorm:"column:chat_jid;primaryKey;size:128;index:idx_chat_ts"`
	Sender           string `gorm:"size:128"`
	SenderName       string `gorm:"size:256"`
	Content          string `gorm:"type:text"`
	Timestamp        string `gorm:"size:32;not null;index:idx_chat_ts;index"`
	ReplyToMessageID string `gorm:"size:128"`
	IsFromBot        bool   `gorm:"default:false"`
}
