package models

// Group is a registered tenant: one chat bound to a storage folder.
type Group struct {
	JID             string `gorm:"column:jid;primaryKey;size:128"`
	Name            string `gorm:"size:256;not null"`
	Folder          string `gorm:"size:128;not null;uniqueIndex"`
	Trigger         string `gorm:"size:128;not null"`
	RequiresTrigger *bool  // nil means true for non-main groups
	AddedAt         string `gorm:"size:32;not null"`
}

// NeedsTrigger reports whether messages for this group must match the
// trigger pattern before a worker is admitted. Main never does.
func (g Group) NeedsTrigger(mainFolder string) bool {
	if g.Folder == mainFolder {
		return false
	}
	return g.RequiresTrigger == nil || *g.RequiresTrigger
}

// Chat records every conversation a channel has seen, registered or not,
// so the main group can discover chats it may want to register.
type Chat struct {
	JID             string `gorm:"column:jid;primaryKey;size:128"`
	Name            string `gorm:"size:256"`
	LastMessageTime string `gorm:"size:32;index"`
}

// Session maps a group folder to the agent's resumable session id.
type Session struct {
	GroupFolder string `gorm:"primaryKey;size:128"`
	SessionID   string `gorm:"size:128;not null"`
}

// RouterState is a key/value row holding a persisted cursor.
type RouterState struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}
