package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/graphingest/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return EnsureJobIndexes(db)
}

// EnsureJobIndexes adds the partial index the worker's claim query uses.
func EnsureJobIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != DriverPostgres {
		return nil
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_ingestion_job_runnable
		ON ingestion_job(created_at)
		WHERE deleted_at IS NULL AND status IN ('pending', 'running');
	`).Error; err != nil {
		return fmt.Errorf("create idx_ingestion_job_runnable: %w", err)
	}
	return nil
}
