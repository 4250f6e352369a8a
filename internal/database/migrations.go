package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/history"
)

const migrationBackfillIntegrityParentHash = "2026-07-21_backfill_integrity_parent_hash"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillIntegrityParentHash, apply: backfillIntegrityParentHash},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillIntegrityParentHash normalizes integrity rows written before the
// parent-hash column existed: an empty parent hash becomes the zero-hash
// sentinel so reconstruction tooling can rely on the field.
func backfillIntegrityParentHash(db *gorm.DB) error {
	return db.Model(&history.IntegrityRecord{}).
		Where("parent_hash = ''").
		Update("parent_hash", history.ZeroHash).Error
}
