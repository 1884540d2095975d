package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SessionState is the closed set of lifecycle states. It is stored as its
// string name so rows stay readable.
type SessionState uint8

const (
	StateUnknown SessionState = iota
	StateRequested
	StatePendingAcceptance
	StateActive
	StateEnded
	StateCancelled
	// StateDeclined and StateTimedOut are transient: a session only rests
	// in them while a reassignment awaits the requester's confirmation.
	StateDeclined
	StateTimedOut
)

var stateNames = [...]string{
	StateUnknown:           "unknown",
	StateRequested:         "requested",
	StatePendingAcceptance: "pending_acceptance",
	StateActive:            "active",
	StateEnded:             "ended",
	StateCancelled:         "cancelled",
	StateDeclined:          "declined",
	StateTimedOut:          "timed_out",
}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateCancelled
}

// ParseSessionState maps a state name back to its value.
func ParseSessionState(name string) (SessionState, error) {
	for i, n := range stateNames {
		if n == name && SessionState(i) != StateUnknown {
			return SessionState(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("models: unknown session state %q", name)
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	v, err := ParseSessionState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer.
func (s SessionState) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *SessionState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = StateUnknown
		return nil
	default:
		return fmt.Errorf("models: cannot scan %T into SessionState", src)
	}
}

// GormDataType stores the state as a string column.
func (SessionState) GormDataType() string {
	return "string"
}

// Session is the durable record of one help request's assignment. It holds
// enough to resume escalation after a restart: the offer in flight, every
// candidate already tried, and the rule chain used so far.
type Session struct {
	ID               string       `gorm:"primaryKey;size:36"`
	RequestID        string       `gorm:"size:36;not null;index"`
	RequesterID      string       `gorm:"size:64;not null;index"`
	RoleID           string       `gorm:"size:64;not null"`
	RuleID           string       `gorm:"size:64"`
	State            SessionState `gorm:"size:24;not null;index"`
	Attempt          int          // offers made under RuleID
	TotalOffers      int          // offers made across the whole chain
	OfferSeq         int          // increments every time a new offer starts
	Version          int          `gorm:"not null;default:0"` // bumped on every save; guards concurrent writers
	CandidateID      string       `gorm:"size:64;index"`
	Offered          string       `gorm:"type:json"` // JSON array: candidates in the current offer
	Tried            string       `gorm:"type:json"` // JSON array: candidates already offered
	UsedRules        string       `gorm:"type:json"` // JSON array: rule chain
	Proposal         string       `gorm:"type:json"` // JSON array: reassignment awaiting confirmation
	TimeoutSeconds   int          // timer length of the current offer or confirmation
	EndReason        string       `gorm:"size:64"`
	EndedBy          string       `gorm:"size:64"`
	CreatedAt        time.Time
	LastTransitionAt time.Time `gorm:"index"`
	AcceptedAt       *time.Time
	EndedAt          *time.Time

	Transitions []SessionTransition `gorm:"foreignKey:SessionID"`
}

// SessionTransition is one audited state change.
type SessionTransition struct {
	ID          uint         `gorm:"primaryKey;autoIncrement"`
	SessionID   string       `gorm:"size:36;not null;index"`
	FromState   SessionState `gorm:"size:24"`
	ToState     SessionState `gorm:"size:24"`
	Attempt     int
	CandidateID string `gorm:"size:64"`
	Reason      string `gorm:"size:64"`
	CreatedAt   time.Time
}

// EncodeIDs marshals a string slice into the JSON column format.
func EncodeIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

// DecodeIDs reverses EncodeIDs. Empty or malformed input yields nil.
func DecodeIDs(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}
