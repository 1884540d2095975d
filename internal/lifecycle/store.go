package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists sessions and their transition history.
type Store interface {
	Create(ctx context.Context, req *models.HelpRequest, s *Session) error
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	LoadRequest(ctx context.Context, id string) (*models.HelpRequest, error)
	ListOpen(ctx context.Context) ([]*Session, error)
}

// ListFilter narrows List.
type ListFilter struct {
	State       string
	RequesterID string
	CandidateID string
	Limit       int
}

// GormStore is the gorm-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

// Create writes the help request, the new session and its first
// transitions in one transaction.
func (g *GormStore) Create(ctx context.Context, req *models.HelpRequest, s *Session) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req).Error; err != nil {
			return err
		}
		row := toModel(s)
		if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
			return err
		}
		return appendTransitions(tx, s)
	})
	if err != nil {
		return fmt.Errorf("lifecycle: create session %s: %w", s.ID, err)
	}
	s.MarkSaved()
	return nil
}

// Save writes the session row and appends unsaved transitions. The write
// only applies if the row is still at s.Version; otherwise another writer
// got there first and Save returns InvalidTransition without touching
// anything.
func (g *GormStore) Save(ctx context.Context, s *Session) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toModel(s)
		row.Version = s.Version + 1
		res := tx.Model(&models.Session{}).
			Where("id = ? AND version = ?", s.ID, s.Version).
			Select("*").Omit("id", "created_at", clause.Associations).
			Updates(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidTransition("session %s changed since version %d", s.ID, s.Version).WithOp("lifecycle")
		}
		return appendTransitions(tx, s)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindInvalidTransition) {
			return err
		}
		return fmt.Errorf("lifecycle: save session %s: %w", s.ID, err)
	}
	s.Version++
	s.MarkSaved()
	return nil
}

func appendTransitions(tx *gorm.DB, s *Session) error {
	for _, t := range s.Unsaved() {
		row := models.SessionTransition{
			SessionID:   s.ID,
			FromState:   t.From,
			ToState:     t.To,
			Attempt:     t.Attempt,
			CandidateID: t.CandidateID,
			Reason:      t.Reason,
			CreatedAt:   t.At,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// Load reads a session with its full history.
func (g *GormStore) Load(ctx context.Context, id string) (*Session, error) {
	var row models.Session
	err := g.db.WithContext(ctx).
		Preload("Transitions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("session %s not found", id)
		}
		return nil, fmt.Errorf("lifecycle: load session %s: %w", id, err)
	}
	return fromModel(&row), nil
}

// LoadRequest reads the help request a session was created for.
func (g *GormStore) LoadRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	var req models.HelpRequest
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("help request %s not found", id)
		}
		return nil, fmt.Errorf("lifecycle: load request %s: %w", id, err)
	}
	return &req, nil
}

// ListOpen returns every non-terminal session, oldest first.
func (g *GormStore) ListOpen(ctx context.Context) ([]*Session, error) {
	var rows []models.Session
	err := g.db.WithContext(ctx).
		Where("state NOT IN ?", []string{models.StateEnded.String(), models.StateCancelled.String()}).
		Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list open sessions: %w", err)
	}
	return fromModels(rows), nil
}

// List returns sessions matching f, newest first, without history.
func (g *GormStore) List(ctx context.Context, f ListFilter) ([]*Session, error) {
	q := g.db.WithContext(ctx)
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.CandidateID != "" {
		q = q.Where("candidate_id = ?", f.CandidateID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []models.Session
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: list sessions: %w", err)
	}
	return fromModels(rows), nil
}

func fromModels(rows []models.Session) []*Session {
	out := make([]*Session, len(rows))
	for i := range rows {
		out[i] = fromModel(&rows[i])
	}
	return out
}

func toModel(s *Session) models.Session {
	return models.Session{
		ID:               s.ID,
		RequestID:        s.RequestID,
		RequesterID:      s.RequesterID,
		RoleID:           s.RoleID,
		RuleID:           s.RuleID,
		State:            s.State,
		Attempt:          s.Attempt,
		TotalOffers:      s.TotalOffers,
		OfferSeq:         s.OfferSeq,
		Version:          s.Version,
		CandidateID:      s.CandidateID,
		Offered:          models.EncodeIDs(s.Offered),
		Tried:            models.EncodeIDs(s.Tried),
		UsedRules:        models.EncodeIDs(s.UsedRules),
		Proposal:         models.EncodeIDs(s.Proposal),
		TimeoutSeconds:   s.TimeoutSeconds,
		EndReason:        s.EndReason,
		EndedBy:          s.EndedBy,
		CreatedAt:        s.CreatedAt,
		LastTransitionAt: s.LastTransitionAt,
		AcceptedAt:       s.AcceptedAt,
		EndedAt:          s.EndedAt,
	}
}

func fromModel(m *models.Session) *Session {
	s := &Session{
		ID:               m.ID,
		RequestID:        m.RequestID,
		RequesterID:      m.RequesterID,
		RoleID:           m.RoleID,
		RuleID:           m.RuleID,
		State:            m.State,
		Attempt:          m.Attempt,
		TotalOffers:      m.TotalOffers,
		OfferSeq:         m.OfferSeq,
		Version:          m.Version,
		CandidateID:      m.CandidateID,
		Offered:          models.DecodeIDs(m.Offered),
		Tried:            models.DecodeIDs(m.Tried),
		UsedRules:        models.DecodeIDs(m.UsedRules),
		Proposal:         models.DecodeIDs(m.Proposal),
		TimeoutSeconds:   m.TimeoutSeconds,
		EndReason:        m.EndReason,
		EndedBy:          m.EndedBy,
		CreatedAt:        m.CreatedAt,
		LastTransitionAt: m.LastTransitionAt,
		AcceptedAt:       m.AcceptedAt,
		EndedAt:          m.EndedAt,
	}
	for _, t := range m.Transitions {
		s.History = append(s.History, Transition{
			From:        t.FromState,
			To:          t.ToState,
			Attempt:     t.Attempt,
			CandidateID: t.CandidateID,
			Reason:      t.Reason,
			At:          t.CreatedAt,
		})
	}
	return s
}
