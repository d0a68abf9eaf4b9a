package models

// Schedule kinds.
const (
	ScheduleOnce     = "once"
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses. Completed is terminal and only reached by once-tasks.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is a background job owned by a group folder.
type ScheduledTask struct {
	ID            string  `gorm:"primaryKey;size:64"`
	GroupFolder   string  `gorm:"size:128;not null;index"`
	ChatJID       string  `gorm:"column:chat_jid;size:128;not null"`
	Prompt        string  `gorm:"type:text;not null"`
	ScheduleType  string  `gorm:"size:16;not null"`
	ScheduleValue string  `gorm:"size:128;not null"`
	ContextMode   string  `gorm:"size:16;default:isolated"`
	NextRun       *string `gorm:"size:32;index"`
	LastRun       *string `gorm:"size:32"`
	LastResult    string  `gorm:"type:text"`
	Status        string  `gorm:"size:16;default:active;index"`
	CreatedAt     string  `gorm:"size:32;not null"`
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"size:64;not null;index"`
	RunAt      string `gorm:"size:32;not null"`
	DurationMs int64
	Status     string `gorm:"size:16;not null"` // "success" or "error"
	Result     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
}
