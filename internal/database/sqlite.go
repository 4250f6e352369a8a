package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
	"github.com/arcadia-research/colloquy/backend/internal/history"
	"github.com/arcadia-research/colloquy/backend/internal/participants"
	"github.com/arcadia-research/colloquy/backend/internal/proposals"
	"github.com/arcadia-research/colloquy/backend/internal/storage"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&storage.DocumentState{},
		&storage.LegacyDocument{},
		&history.VersionRecord{},
		&history.IntegrityRecord{},
		&proposals.Proposal{},
		&proposals.MajorVersion{},
		&proposals.DraftVersion{},
		&auth.SubjectGrant{},
		&participants.Participant{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
