package db

import (
	"fmt"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Professional{},
		&models.EscalationRule{},
		&models.HelpRequest{},
		&models.Session{},
		&models.SessionTransition{},
		&models.Notification{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// RuleFromConfig converts a configured rule into its row form.
func RuleFromConfig(rc config.RuleConfig) models.EscalationRule {
	r := models.EscalationRule{
		ID:                      rc.ID,
		RoleID:                  rc.RoleID,
		TriggerType:             rc.TriggerType,
		TimeoutSeconds:          rc.TimeoutSeconds,
		MaxEscalationAttempts:   rc.MaxEscalationAttempts,
		Strategy:                rc.Strategy,
		BroadcastSize:           rc.BroadcastSize,
		RequireUserConfirmation: rc.RequireUserConfirmation,
		Priority:                rc.Priority,
		IsActive:                !rc.Inactive,
	}
	r.SetFallbacks(rc.FallbackRules)
	return r
}

// SeedRules upserts EscalationRule rows from configuration, keyed on rule ID.
// Insertion order (Seq) of existing rules is preserved.
func SeedRules(db *gorm.DB, rules []config.RuleConfig) error {
	for _, rc := range rules {
		rule := RuleFromConfig(rc)
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"role_id", "trigger_type", "timeout_seconds", "max_escalation_attempts",
				"strategy", "broadcast_size", "fallback_rules", "require_user_confirmation",
				"priority", "is_active", "updated_at",
			}),
		}).Create(&rule)
		if result.Error != nil {
			return fmt.Errorf("db: seed rule %q: %w", rc.ID, result.Error)
		}
	}
	return nil
}

// SeedProfessionals upserts Professional profiles from configuration. The
// live session count is never touched by seeding.
func SeedProfessionals(db *gorm.DB, pros []config.ProfessionalConfig) error {
	for _, pc := range pros {
		p := models.Professional{
			ID:            pc.ID,
			Name:          pc.Name,
			RoleID:        pc.RoleID,
			Online:        pc.Online,
			RatingAverage: pc.RatingAverage,
			RatingCount:   pc.RatingCount,
			LocationHint:  pc.LocationHint,
			ChatUserID:    pc.ChatUserID,
		}
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "role_id", "online", "rating_average", "rating_count",
				"location_hint", "chat_user_id", "updated_at",
			}),
		}).Create(&p)
		if result.Error != nil {
			return fmt.Errorf("db: seed professional %q: %w", pc.ID, result.Error)
		}
	}
	return nil
}
