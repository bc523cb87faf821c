package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationUnreadNotificationsIndex = "2026-10-01_unread_notifications_index"
	migrationBackfillRecordSequences  = "2026-10-02_backfill_record_sequences"
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

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationUnreadNotificationsIndex, apply: createUnreadNotificationsIndex},
		{name: migrationBackfillRecordSequences, apply: backfillRecordSequences},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createUnreadNotificationsIndex indexes only live unread rows.
func createUnreadNotificationsIndex(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_unread
ON notifications (recipient_id)
WHERE status = 'UNREAD' AND deleted_at IS NULL`).Error
}

// backfillRecordSequences raises each record counter to the highest sequence already stored.
func backfillRecordSequences(db *gorm.DB) error {
	return db.Exec(`INSERT INTO sequence_counters (namespace, scope_key, value)
SELECT 'record', feed_id || ':' || day, MAX(sequence) FROM records WHERE sequence > 0 GROUP BY feed_id, day
ON CONFLICT (namespace, scope_key) DO UPDATE SET value = excluded.value
WHERE excluded.value > sequence_counters.value`).Error
}
