// Package lifecycle is the per-session state machine: the closed set of
// states, the legal transitions between them, the offer bookkeeping each
// transition carries, and durable storage of sessions and their history.
package lifecycle

import (
	"github.com/dreambigrsa/liveassist/internal/models"
)

// Transition reasons recorded in the audit trail.
const (
	ReasonOffered             = "offered"
	ReasonEscalated           = "escalated"
	ReasonFallback            = "fallback"
	ReasonConfirmed           = "confirmed"
	ReasonAccepted            = "accepted"
	ReasonDeclined            = "declined"
	ReasonTimedOut            = "timed_out"
	ReasonRequesterCancelled  = "requester_cancelled"
	ReasonCancelled           = "cancelled"
	ReasonEscalationExhausted = "escalation_exhausted"
	ReasonConfirmationExpired = "confirmation_expired"
	ReasonConfirmationDenied  = "confirmation_denied"
	ReasonEnded               = "ended"
)

// legal is the complete transition table. Anything not listed is rejected.
var legal = map[models.SessionState][]models.SessionState{
	models.StateRequested:         {models.StatePendingAcceptance, models.StateCancelled},
	models.StatePendingAcceptance: {models.StateActive, models.StateDeclined, models.StateTimedOut, models.StateCancelled},
	models.StateDeclined:          {models.StatePendingAcceptance, models.StateCancelled},
	models.StateTimedOut:          {models.StatePendingAcceptance, models.StateCancelled},
	models.StateActive:            {models.StateEnded, models.StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.SessionState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether states is a walk through the transition table
// starting at requested.
func ValidPath(states []models.SessionState) bool {
	if len(states) == 0 || states[0] != models.StateRequested {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
