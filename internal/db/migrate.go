package db

import (
	"fmt"

	"github.com/qwibitai/nanoclaw/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the host persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.TrackedMessage{},
		&models.WorkerLog{},
		&models.WorkerRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
