package models

import "time"

// Trigger types.
const (
	TriggerTimeout     = "timeout"
	TriggerUserRequest = "user_request"
	TriggerAIDetection = "ai_detection"
	TriggerManual      = "manual"
)

// Escalation strategies.
const (
	StrategySequential = "sequential"
	StrategyBroadcast  = "broadcast"
	StrategyRoundRobin = "round_robin"
)

// EscalationRule is an administrator-configured policy for offering a
// request and escalating it when offers go unanswered. Seq preserves
// insertion order and breaks priority ties.
type EscalationRule struct {
	Seq                     uint   `gorm:"primaryKey;autoIncrement"`
	ID                      string `gorm:"size:64;not null;uniqueIndex"`
	RoleID                  string `gorm:"size:64;index"` // empty matches every role
	TriggerType             string `gorm:"size:16;not null;index"`
	TimeoutSeconds          int
	MaxEscalationAttempts   int    `gorm:"not null;default:1"`
	Strategy                string `gorm:"size:16;not null;default:sequential"`
	BroadcastSize           int    // 0 offers to every available candidate
	FallbackRules           string `gorm:"type:json"` // JSON array of rule IDs
	RequireUserConfirmation bool
	Priority                int `gorm:"not null;default:0;index"`
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Fallbacks decodes FallbackRules. Malformed JSON yields no fallbacks.
func (r *EscalationRule) Fallbacks() []string {
	return DecodeIDs(r.FallbackRules)
}

// SetFallbacks encodes ids into FallbackRules.
func (r *EscalationRule) SetFallbacks(ids []string) {
	r.FallbackRules = EncodeIDs(ids)
}
