package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/store"
	"github.com/MarcoPoloResearchLab/vanish/internal/threads"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClampEntryExpiry = "2026-10-01_clamp_entry_expiry"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, time.Time) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return applyMigrationsAt(db, logger, time.Now().UTC())
}

func applyMigrationsAt(db *gorm.DB, logger *zap.Logger, now time.Time) error {
	migrations := []migrationDefinition{
		{name: migrationClampEntryExpiry, apply: clampEntryExpiry},
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
		if err := migration.apply(db, now); err != nil {
			return err
		}
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: now.Unix()}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clampEntryExpiry pulls deadlines written before the one-week cap back inside it.
func clampEntryExpiry(db *gorm.DB, now time.Time) error {
	ceiling := now.Add(threads.TimerDuration(threads.MaxTimerHours)).UnixMilli()
	return db.Model(&store.Entry{}).
		Where("expires_at_ms > ?", ceiling).
		Update("expires_at_ms", ceiling).Error
}
