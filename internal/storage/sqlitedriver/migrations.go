package sqlitedriver

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schemaMigration struct {
	Version          int   `gorm:"column:version;primaryKey"`
	AppliedAtSeconds int64 `gorm:"column:applied_at_s;not null"`
}

func (schemaMigration) TableName() string {
	return "schema_migrations"
}

type migrationDefinition struct {
	version int
	apply   func(*gorm.DB) error
}

// Migrations are additive: new columns and tables get sane defaults for
// existing rows, and each version is applied at most once. Version 1 is the
// base schema, re-applied on every init because AutoMigrate is idempotent and
// picks up additive column changes.
var migrations = []migrationDefinition{
	{version: 2, apply: backfillUpdateSource},
	{version: 3, apply: backfillOutboxStatus},
}

func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) (int, error) {
	if err := db.AutoMigrate(&schemaMigration{}); err != nil {
		return 0, fmt.Errorf("%w: migration table: %v", storage.ErrMigration, err)
	}
	if err := createBaseSchema(db); err != nil {
		return 0, fmt.Errorf("%w: base schema: %v", storage.ErrMigration, err)
	}

	applied := 1
	for _, migration := range migrations {
		var record schemaMigration
		err := db.Where("version = ?", migration.version).Take(&record).Error
		if err == nil {
			applied = migration.version
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: version %d lookup: %v", storage.ErrMigration, migration.version, err)
		}
		if err := migration.apply(db); err != nil {
			return 0, fmt.Errorf("%w: version %d: %v", storage.ErrMigration, migration.version, err)
		}
		record = schemaMigration{Version: migration.version, AppliedAtSeconds: clock().UTC().Unix()}
		if err := db.Create(&record).Error; err != nil {
			return 0, fmt.Errorf("%w: version %d record: %v", storage.ErrMigration, migration.version, err)
		}
		if logger != nil {
			logger.Info("schema migration applied", zap.Int("version", migration.version))
		}
		applied = migration.version
	}
	return applied, nil
}

func createBaseSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&storage.Document{},
		&storage.UpdateEntry{},
		&storage.Annotation{},
		&storage.OutboxItem{},
		&storage.ImportJob{},
		&storage.DocumentAsset{},
		&storage.DocumentTopic{},
	)
}

// Rows written before the source column existed carry an empty string; they
// were all produced locally.
func backfillUpdateSource(db *gorm.DB) error {
	return db.Model(&storage.UpdateEntry{}).
		Where("source IS NULL OR source = ''").
		Update("source", storage.UpdateSourceLocal).Error
}

func backfillOutboxStatus(db *gorm.DB) error {
	return db.Model(&storage.OutboxItem{}).
		Where("status IS NULL OR status = ''").
		Update("status", storage.OutboxStatusPending).Error
}

func newRowID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
