package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/inkwellhq/aegis/internal/models"
)

// Connect bootstraps a SQLite database using the provided filesystem path.
// The schema is migrated here so every consumer, the settings loader
// included, sees the tables from the first boot on.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.SecurityEventRecord{},
		&models.GuardSettings{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return db, nil
}
