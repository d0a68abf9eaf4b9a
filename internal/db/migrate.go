package db

import (
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the store persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Group{},
		&models.Chat{},
		&models.ChatMessage{},
		&models.Session{},
		&models.ScheduledTask{},
		&models.TaskRunLog{},
		&models.RouterState{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
