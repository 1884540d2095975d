package api

import (
	"context"
	"time"

	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/rules"
	"gorm.io/gorm"
)

// ProfessionalRow is a professional as shown by the API.
type ProfessionalRow struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	RoleID        string  `json:"role_id"`
	Online        bool    `json:"online"`
	CurrentLoad   int     `json:"current_session_count"`
	RatingAverage float64 `json:"rating_average"`
	RatingCount   int     `json:"rating_count"`
	LocationHint  string  `json:"location_hint,omitempty"`
}

// RuleRow is an escalation rule as shown by the API.
type RuleRow struct {
	ID                      string   `json:"id"`
	RoleID                  string   `json:"role_id,omitempty"`
	TriggerType             string   `json:"trigger_type"`
	TimeoutSeconds          int      `json:"timeout_seconds"`
	MaxEscalationAttempts   int      `json:"max_escalation_attempts"`
	Strategy                string   `json:"strategy"`
	BroadcastSize           int      `json:"broadcast_size,omitempty"`
	FallbackRules           []string `json:"fallback_rules"`
	RequireUserConfirmation bool     `json:"require_user_confirmation"`
	Priority                int      `json:"priority"`
	Active                  bool     `json:"active"`
}

// SessionRow is a session with the derived review flag and, for sessions
// nobody took, the failure shown to the requester.
type SessionRow struct {
	*lifecycle.Session
	ReviewEligible bool        `json:"review_eligible"`
	Failure        *FailureRow `json:"failure,omitempty"`
}

// FailureRow is a terminal error surfaced on a session.
type FailureRow struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// StateCount is the number of sessions in one state.
type StateCount struct {
	State models.SessionState `json:"state"`
	Count int64               `json:"count"`
}

func sessionRow(s *lifecycle.Session) SessionRow {
	row := SessionRow{Session: s, ReviewEligible: s.ReviewEligible()}
	if f := s.Failure(); f != nil {
		row.Failure = &FailureRow{Kind: f.Kind.String(), Reason: f.Reason()}
	}
	return row
}

// ListProfessionals returns professionals, optionally for one role.
func ListProfessionals(ctx context.Context, db *gorm.DB, roleID string) ([]ProfessionalRow, error) {
	pros, err := directory.NewStore(db).List(ctx, roleID)
	if err != nil {
		return nil, err
	}
	rows := make([]ProfessionalRow, len(pros))
	for i, p := range pros {
		rows[i] = ProfessionalRow{
			ID:            p.ID,
			Name:          p.Name,
			RoleID:        p.RoleID,
			Online:        p.Online,
			CurrentLoad:   p.CurrentSessionCount,
			RatingAverage: p.RatingAverage,
			RatingCount:   p.RatingCount,
			LocationHint:  p.LocationHint,
		}
	}
	return rows, nil
}

// ListRules returns every escalation rule in resolution order.
func ListRules(ctx context.Context, db *gorm.DB) ([]RuleRow, error) {
	list, err := rules.NewGormStore(db).List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]RuleRow, len(list))
	for i := range list {
		r := &list[i]
		fallbacks := r.Fallbacks()
		if fallbacks == nil {
			fallbacks = []string{}
		}
		rows[i] = RuleRow{
			ID:                      r.ID,
			RoleID:                  r.RoleID,
			TriggerType:             r.TriggerType,
			TimeoutSeconds:          r.TimeoutSeconds,
			MaxEscalationAttempts:   r.MaxEscalationAttempts,
			Strategy:                r.Strategy,
			BroadcastSize:           r.BroadcastSize,
			FallbackRules:           fallbacks,
			RequireUserConfirmation: r.RequireUserConfirmation,
			Priority:                r.Priority,
			Active:                  r.IsActive,
		}
	}
	return rows, nil
}

// ListSessions returns sessions matching f, newest first.
func ListSessions(ctx context.Context, db *gorm.DB, f lifecycle.ListFilter) ([]SessionRow, error) {
	list, err := lifecycle.NewGormStore(db).List(ctx, f)
	if err != nil {
		return nil, err
	}
	rows := make([]SessionRow, len(list))
	for i, s := range list {
		rows[i] = sessionRow(s)
	}
	return rows, nil
}

// SessionStats counts sessions per state, for sessions created since the
// given time (zero means all time).
func SessionStats(ctx context.Context, db *gorm.DB, since time.Time) ([]StateCount, error) {
	q := db.WithContext(ctx).Model(&models.Session{}).
		Select("state, count(*) as count").
		Group("state").
		Order("state ASC")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var out []StateCount
	if err := q.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
