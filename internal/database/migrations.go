package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storage"
	"github.com/MarcoPoloResearchLab/nodestore/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedSchemaDefinitions = "2026-10-01_seed_schema_definitions"
	migrationSeedSystemUser        = "2026-10-01_seed_system_user"
	migrationSeedRootNode          = "2026-10-01_seed_root_node"

	// RootName is the name of the node every repository path starts with.
	RootName = "Root"
	// SystemUserSubject is the login subject mapped to the system user.
	SystemUserSubject = "admin"

	rootNodeTypeName = "Folder"
)

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
		{name: migrationSeedSchemaDefinitions, apply: seedSchemaDefinitions},
		{name: migrationSeedSystemUser, apply: seedSystemUser},
		{name: migrationSeedRootNode, apply: seedRootNode},
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
		if err := db.Transaction(migration.apply); err != nil {
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

func seedSchemaDefinitions(tx *gorm.DB) error {
	source, err := schema.NewDatabaseSource(tx)
	if err != nil {
		return err
	}
	return source.Store(context.Background(), schema.DefaultDefinitions())
}

func seedSystemUser(tx *gorm.DB) error {
	identity := users.Identity{
		UserID:      security.SystemUserID,
		Provider:    users.DefaultProvider,
		Subject:     SystemUserSubject,
		DisplayName: "Administrator",
		LastSeenAt:  time.Now().UTC(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error
}

// seedRootNode creates the root folder, its security entity and the grant that
// lets every authenticated caller open published content.
func seedRootNode(tx *gorm.DB) error {
	var folder schema.NodeTypeRow
	if err := tx.Where("name = ?", rootNodeTypeName).Take(&folder).Error; err != nil {
		return err
	}
	rootID, err := storage.SeedRoot(tx, storage.RootSeed{
		Name:       RootName,
		NodeTypeID: folder.NodeTypeID,
		OwnerID:    security.SystemUserID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	entity := security.EntityRow{EntityID: rootID, OwnerID: security.SystemUserID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entity).Error; err != nil {
		return err
	}
	grant := security.PermissionRow{EntityID: rootID, IdentityID: security.EveryoneID, Level: string(security.GrantOpen)}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error
}
