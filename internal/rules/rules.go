// Package rules is the escalation rule store.
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/validate"
	"gorm.io/gorm"
)

// Store is the read side the dispatch core depends on.
type Store interface {
	ResolveRule(ctx context.Context, roleID, triggerType string) (*models.EscalationRule, error)
	Get(ctx context.Context, id string) (*models.EscalationRule, error)
}

// Input is an administrator-supplied rule definition.
type Input struct {
	ID                      string   `json:"id" validate:"required,max=64"`
	RoleID                  string   `json:"role_id" validate:"max=64"`
	TriggerType             string   `json:"trigger_type" validate:"oneof=timeout user_request ai_detection manual"`
	TimeoutSeconds          int      `json:"timeout_seconds" validate:"gte=0"`
	MaxEscalationAttempts   int      `json:"max_escalation_attempts" validate:"min=1"`
	Strategy                string   `json:"strategy" validate:"oneof=sequential broadcast round_robin"`
	BroadcastSize           int      `json:"broadcast_size" validate:"gte=0"`
	FallbackRules           []string `json:"fallback_rules"`
	RequireUserConfirmation bool     `json:"require_user_confirmation"`
	Priority                int      `json:"priority"`
	Inactive                bool     `json:"inactive"`
}

// GormStore reads and writes rules with gorm.
type GormStore struct {
	db       *gorm.DB
	validate *validate.Validator
}

// NewGormStore creates a GormStore.
func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb, validate: validate.New()}
}

// ResolveRule returns the active rule for the role/trigger pair. Rules with
// an empty role match every role. The numerically lowest priority wins; at
// equal priority a role-specific rule beats a wildcard, then insertion
// order decides.
func (s *GormStore) ResolveRule(ctx context.Context, roleID, triggerType string) (*models.EscalationRule, error) {
	var rule models.EscalationRule
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND trigger_type = ? AND (role_id = ? OR role_id = '')", true, triggerType, roleID).
		Order("priority ASC").
		Order("CASE WHEN role_id = '' THEN 1 ELSE 0 END").
		Order("seq ASC").
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindRuleResolutionFailure,
				"no active rule for role=%s trigger=%s", roleID, triggerType).WithOp("rules: resolve")
		}
		return nil, fmt.Errorf("rules: resolve %s/%s: %w", roleID, triggerType, err)
	}
	return &rule, nil
}

// Get loads a rule by ID regardless of whether it is active.
func (s *GormStore) Get(ctx context.Context, id string) (*models.EscalationRule, error) {
	var rule models.EscalationRule
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("rule %s not found", id)
		}
		return nil, fmt.Errorf("rules: get %s: %w", id, err)
	}
	return &rule, nil
}

// List returns every rule in resolution order.
func (s *GormStore) List(ctx context.Context) ([]models.EscalationRule, error) {
	var out []models.EscalationRule
	if err := s.db.WithContext(ctx).Order("priority ASC").Order("seq ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	return out, nil
}

// Save validates in and upserts it. Fallbacks must reference existing rules.
func (s *GormStore) Save(ctx context.Context, in Input) (*models.EscalationRule, error) {
	if in.TriggerType == "" {
		in.TriggerType = models.TriggerTimeout
	}
	if in.Strategy == "" {
		in.Strategy = models.StrategySequential
	}
	if in.MaxEscalationAttempts == 0 {
		in.MaxEscalationAttempts = 1
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	rule := models.EscalationRule{
		ID:                      in.ID,
		RoleID:                  in.RoleID,
		TriggerType:             in.TriggerType,
		TimeoutSeconds:          in.TimeoutSeconds,
		MaxEscalationAttempts:   in.MaxEscalationAttempts,
		Strategy:                in.Strategy,
		BroadcastSize:           in.BroadcastSize,
		RequireUserConfirmation: in.RequireUserConfirmation,
		Priority:                in.Priority,
		IsActive:                !in.Inactive,
	}
	rule.SetFallbacks(in.FallbackRules)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, fb := range in.FallbackRules {
			if fb == in.ID {
				return apperr.Validation("rule %s cannot fall back to itself", in.ID)
			}
			var n int64
			if err := tx.Model(&models.EscalationRule{}).Where("id = ?", fb).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return apperr.Validation("fallback rule %s does not exist", fb)
			}
		}

		var existing models.EscalationRule
		err := tx.Where("id = ?", in.ID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&rule).Error
		}
		if err != nil {
			return err
		}
		rule.Seq = existing.Seq
		rule.CreatedAt = existing.CreatedAt
		return tx.Save(&rule).Error
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, err
		}
		return nil, fmt.Errorf("rules: save %s: %w", in.ID, err)
	}
	return &rule, nil
}

// Retrying wraps a Store so transient I/O failures are retried within a
// bounded budget. Exhausted retries surface as RuleStoreUnavailable.
type Retrying struct {
	inner  Store
	policy db.RetryPolicy
}

// WithRetry wraps s with the given retry policy.
func WithRetry(s Store, policy db.RetryPolicy) *Retrying {
	return &Retrying{inner: s, policy: policy}
}

func (r *Retrying) ResolveRule(ctx context.Context, roleID, triggerType string) (*models.EscalationRule, error) {
	var rule *models.EscalationRule
	err := db.Retry(ctx, r.policy, func(ctx context.Context) error {
		var err error
		rule, err = r.inner.ResolveRule(ctx, roleID, triggerType)
		return err
	})
	if err != nil {
		return nil, unavailable("resolve", err)
	}
	return rule, nil
}

func (r *Retrying) Get(ctx context.Context, id string) (*models.EscalationRule, error) {
	var rule *models.EscalationRule
	err := db.Retry(ctx, r.policy, func(ctx context.Context) error {
		var err error
		rule, err = r.inner.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rule, nil
}

func unavailable(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Wrap(apperr.KindRuleStoreUnavailable, op, err).WithOp("rules")
}
