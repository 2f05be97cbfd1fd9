package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/campuspulse/backend/internal/feedback"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRecountLikeTotals = "2026-05-18_recount_like_totals"

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
		{name: migrationRecountLikeTotals, apply: recountLikeTotals},
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

// recountLikeTotals repairs rows whose stored count drifted from the decoded
// like set, restoring the count == |likedBy| invariant.
func recountLikeTotals(db *gorm.DB) error {
	var states []feedback.LikeState
	if err := db.Find(&states).Error; err != nil {
		return err
	}
	for _, state := range states {
		var members []string
		if state.LikedByJSON != "" {
			if err := json.Unmarshal([]byte(state.LikedByJSON), &members); err != nil {
				continue
			}
		}
		if state.Count == int64(len(members)) {
			continue
		}
		if err := db.Model(&feedback.LikeState{}).
			Where("post_id = ?", state.PostID).
			Update("like_count", len(members)).Error; err != nil {
			return err
		}
	}
	return nil
}
