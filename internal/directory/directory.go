// Package directory is the professional directory: candidate lookup by role
// and the atomic load accounting on professionals.current_session_count.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/db"
	"github.com/dreambigrsa/liveassist/internal/match"
	"github.com/dreambigrsa/liveassist/internal/models"
	"gorm.io/gorm"
)

// Directory is what the dispatch core needs from the professional store.
type Directory interface {
	ListCandidates(ctx context.Context, roleID string, exclude []string) ([]match.Candidate, error)
	Reserve(ctx context.Context, professionalID string, maxLoad int) error
	Release(ctx context.Context, professionalID string) error
}

// Store is the gorm-backed Directory.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// Candidate projects a professional row for matching.
func Candidate(p models.Professional) match.Candidate {
	return match.Candidate{
		ID:                  p.ID,
		RoleID:              p.RoleID,
		Online:              p.Online,
		CurrentSessionCount: p.CurrentSessionCount,
		RatingAverage:       p.RatingAverage,
		RatingCount:         p.RatingCount,
		LocationHint:        p.LocationHint,
	}
}

// ListCandidates returns a fresh snapshot of the professionals holding
// roleID, minus the excluded IDs, ordered by ID.
func (s *Store) ListCandidates(ctx context.Context, roleID string, exclude []string) ([]match.Candidate, error) {
	q := s.db.WithContext(ctx).Where("role_id = ?", roleID)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var pros []models.Professional
	if err := q.Order("id").Find(&pros).Error; err != nil {
		return nil, fmt.Errorf("directory: list candidates for %q: %w", roleID, err)
	}
	out := make([]match.Candidate, len(pros))
	for i, p := range pros {
		out[i] = Candidate(p)
	}
	return out, nil
}

// Reserve atomically takes one unit of the professional's load. The bounded
// UPDATE is the only guard against double-booking: when it matches no row
// the professional is either unknown or already at maxLoad. A maxLoad of
// zero or less means unbounded.
func (s *Store) Reserve(ctx context.Context, professionalID string, maxLoad int) error {
	q := s.db.WithContext(ctx).Model(&models.Professional{}).Where("id = ?", professionalID)
	if maxLoad > 0 {
		q = q.Where("current_session_count < ?", maxLoad)
	}
	result := q.Update("current_session_count", gorm.Expr("current_session_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("directory: reserve %s: %w", professionalID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, professionalID); err != nil {
			return err
		}
		return apperr.Newf(apperr.KindCapacityExceeded, "professional %s is at max load %d", professionalID, maxLoad).WithOp("directory: reserve")
	}
	return nil
}

// Release returns one unit of load, never going below zero.
func (s *Store) Release(ctx context.Context, professionalID string) error {
	result := s.db.WithContext(ctx).Model(&models.Professional{}).
		Where("id = ? AND current_session_count > 0", professionalID).
		Update("current_session_count", gorm.Expr("current_session_count - 1"))
	if result.Error != nil {
		return fmt.Errorf("directory: release %s: %w", professionalID, result.Error)
	}
	return nil
}

// Reconcile recomputes every professional's load from active sessions and
// returns the number of rows corrected.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	active := models.StateActive.String()
	result := s.db.WithContext(ctx).Exec(`UPDATE professionals SET current_session_count = (
		SELECT COUNT(*) FROM sessions WHERE sessions.candidate_id = professionals.id AND sessions.state = ?
	) WHERE current_session_count <> (
		SELECT COUNT(*) FROM sessions WHERE sessions.candidate_id = professionals.id AND sessions.state = ?
	)`, active, active)
	if result.Error != nil {
		return 0, fmt.Errorf("directory: reconcile: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get loads one professional.
func (s *Store) Get(ctx context.Context, id string) (*models.Professional, error) {
	var p models.Professional
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("professional %s not found", id)
		}
		return nil, fmt.Errorf("directory: get %s: %w", id, err)
	}
	return &p, nil
}

// FindByChatUser resolves a Slack/Discord user to a professional.
func (s *Store) FindByChatUser(ctx context.Context, chatUserID string) (*models.Professional, error) {
	var p models.Professional
	err := s.db.WithContext(ctx).Where("chat_user_id = ?", chatUserID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no professional linked to chat user %s", chatUserID)
		}
		return nil, fmt.Errorf("directory: find chat user %s: %w", chatUserID, err)
	}
	return &p, nil
}

// List returns professionals ordered by ID, filtered to roleID when set.
func (s *Store) List(ctx context.Context, roleID string) ([]models.Professional, error) {
	q := s.db.WithContext(ctx)
	if roleID != "" {
		q = q.Where("role_id = ?", roleID)
	}
	var pros []models.Professional
	if err := q.Order("id").Find(&pros).Error; err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	return pros, nil
}

// Save creates or updates a professional profile. Load is left untouched on
// update.
func (s *Store) Save(ctx context.Context, p *models.Professional) error {
	if p.ID == "" || p.RoleID == "" {
		return apperr.Validation("professional id and role are required")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Professional
		err := tx.Where("id = ?", p.ID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(p).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Select("name", "role_id", "online", "rating_average", "rating_count", "location_hint", "chat_user_id").
			Updates(p).Error
	})
	if err != nil {
		return fmt.Errorf("directory: save %s: %w", p.ID, err)
	}
	return nil
}

// SetOnline flips a professional's live status.
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	result := s.db.WithContext(ctx).Model(&models.Professional{}).Where("id = ?", id).Update("online", online)
	if result.Error != nil {
		return fmt.Errorf("directory: set online %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("professional %s not found", id)
	}
	return nil
}

// Retrying wraps a Directory so transient I/O failures are retried within
// a bounded budget. Exhausted retries surface as DirectoryUnavailable.
type Retrying struct {
	inner  Directory
	policy db.RetryPolicy
}

// WithRetry wraps d with the given retry policy.
func WithRetry(d Directory, policy db.RetryPolicy) *Retrying {
	return &Retrying{inner: d, policy: policy}
}

func (r *Retrying) ListCandidates(ctx context.Context, roleID string, exclude []string) ([]match.Candidate, error) {
	var out []match.Candidate
	err := db.Retry(ctx, r.policy, func(ctx context.Context) error {
		var err error
		out, err = r.inner.ListCandidates(ctx, roleID, exclude)
		return err
	})
	if err != nil {
		return nil, unavailable("list candidates", err)
	}
	return out, nil
}

func (r *Retrying) Reserve(ctx context.Context, professionalID string, maxLoad int) error {
	err := db.Retry(ctx, r.policy, func(ctx context.Context) error {
		return r.inner.Reserve(ctx, professionalID, maxLoad)
	})
	return unavailable("reserve", err)
}

func (r *Retrying) Release(ctx context.Context, professionalID string) error {
	err := db.Retry(ctx, r.policy, func(ctx context.Context) error {
		return r.inner.Release(ctx, professionalID)
	})
	return unavailable("release", err)
}

// unavailable tags raw I/O errors as DirectoryUnavailable and passes domain
// errors through.
func unavailable(op string, err error) error {
	if err == nil || apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Wrap(apperr.KindDirectoryUnavailable, op, err).WithOp("directory")
}
