package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/nodestore/internal/exclusive"
	"github.com/MarcoPoloResearchLab/nodestore/internal/indexing"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storage"
	"github.com/MarcoPoloResearchLab/nodestore/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table of a nodestore repository.
func Models() []any {
	models := storage.Models()
	return append(models,
		&schema.PropertyTypeRow{},
		&schema.NodeTypeRow{},
		&schema.NodeTypePropertyRow{},
		&security.EntityRow{},
		&security.PermissionRow{},
		&indexing.DocumentRow{},
		&exclusive.LockRow{},
		&users.Identity{},
		&migrationRecord{},
	)
}

// OpenSQLite establishes a SQLite connection, creates the schema and applies the data migrations.
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

	if err := db.AutoMigrate(Models()...); err != nil {
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
