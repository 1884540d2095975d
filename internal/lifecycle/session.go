package lifecycle

import (
	"slices"
	"time"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// Transition is one audited state change.
type Transition struct {
	From        models.SessionState `json:"from"`
	To          models.SessionState `json:"to"`
	Attempt     int                 `json:"attempt"`
	CandidateID string              `json:"candidate_id,omitempty"`
	Reason      string              `json:"reason"`
	At          time.Time           `json:"at"`
}

// Session is the in-memory form of one help request's assignment. Methods
// either apply a legal transition or return an InvalidTransition error and
// leave the session untouched.
type Session struct {
	ID          string              `json:"id"`
	RequestID   string              `json:"request_id"`
	RequesterID string              `json:"requester_id"`
	RoleID      string              `json:"role_id"`
	RuleID      string              `json:"rule_id,omitempty"`
	State       models.SessionState `json:"state"`

	// Attempt counts offer rounds under RuleID; TotalOffers counts them
	// across the whole rule chain.
	Attempt     int `json:"attempt"`
	TotalOffers int `json:"total_offers"`
	// OfferSeq identifies the current timer. A timeout carrying any other
	// value is stale.
	OfferSeq int `json:"offer_seq"`
	// Version is the stored row version this copy was loaded at.
	Version int `json:"version"`

	CandidateID string   `json:"candidate_id,omitempty"`
	Offered     []string `json:"offered,omitempty"`
	Tried       []string `json:"tried,omitempty"`
	UsedRules   []string `json:"used_rules,omitempty"`
	Proposal    []string `json:"proposal,omitempty"`

	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	EndReason      string `json:"end_reason,omitempty"`
	EndedBy        string `json:"ended_by,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`

	History []Transition `json:"history,omitempty"`

	// unsaved holds transitions not yet written by the store.
	unsaved []Transition
}

// New creates a session in the requested state.
func New(id string, req *models.HelpRequest, now time.Time) *Session {
	return &Session{
		ID:               id,
		RequestID:        req.ID,
		RequesterID:      req.RequesterID,
		RoleID:           req.RoleID,
		State:            models.StateRequested,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// Terminal reports whether the session is ended or cancelled.
func (s *Session) Terminal() bool {
	return s.State.Terminal()
}

// ReviewEligible reports whether the session ended normally and may be
// reviewed by the requester.
func (s *Session) ReviewEligible() bool {
	return s.State == models.StateEnded && s.AcceptedAt != nil
}

// Failure is the error shown to the requester of a session that closed
// without anyone accepting, or nil.
func (s *Session) Failure() *apperr.Error {
	if s.State != models.StateCancelled || s.EndReason != ReasonEscalationExhausted {
		return nil
	}
	return apperr.Newf(apperr.KindEscalationExhausted, "session %s closed after %d offers", s.ID, s.TotalOffers)
}

// IsOffered reports whether candidateID is part of the current offer.
func (s *Session) IsOffered(candidateID string) bool {
	return slices.Contains(s.Offered, candidateID)
}

// AwaitingConfirmation reports whether a reassignment is waiting for the
// requester.
func (s *Session) AwaitingConfirmation() bool {
	return (s.State == models.StateDeclined || s.State == models.StateTimedOut) && len(s.Proposal) > 0
}

// Deadline is when the current offer or confirmation timer expires. The
// zero time means no timer applies.
func (s *Session) Deadline() time.Time {
	if s.TimeoutSeconds <= 0 {
		return time.Time{}
	}
	if s.State == models.StatePendingAcceptance || s.AwaitingConfirmation() {
		return s.LastTransitionAt.Add(time.Duration(s.TimeoutSeconds) * time.Second)
	}
	return time.Time{}
}

// Unsaved returns transitions recorded since the last MarkSaved.
func (s *Session) Unsaved() []Transition {
	return s.unsaved
}

// MarkSaved clears the unsaved transitions.
func (s *Session) MarkSaved() {
	s.unsaved = nil
}

func (s *Session) transition(to models.SessionState, candidateID, reason string, now time.Time) {
	t := Transition{
		From:        s.State,
		To:          to,
		Attempt:     s.Attempt,
		CandidateID: candidateID,
		Reason:      reason,
		At:          now,
	}
	s.State = to
	s.LastTransitionAt = now
	s.History = append(s.History, t)
	s.unsaved = append(s.unsaved, t)
}

func (s *Session) reject(signal string) error {
	return apperr.InvalidTransition("%s not allowed: session %s is %s", signal, s.ID, s.State).WithOp("lifecycle")
}

// ApplyRule switches the session to ruleID with a fresh attempt counter.
// It is not a state transition; the next Offer records the change.
func (s *Session) ApplyRule(ruleID string) error {
	if s.Terminal() || s.State == models.StatePendingAcceptance || s.State == models.StateActive {
		return s.reject("apply rule")
	}
	if slices.Contains(s.UsedRules, ruleID) {
		return apperr.InvalidTransition("rule %s already used by session %s", ruleID, s.ID).WithOp("lifecycle")
	}
	s.RuleID = ruleID
	s.Attempt = 0
	s.UsedRules = append(s.UsedRules, ruleID)
	return nil
}

// Offer moves the session to pending_acceptance for candidates, consuming
// one attempt and arming a timer of timeoutSeconds. A single candidate
// becomes CandidateID; a broadcast round leaves it empty until someone
// accepts.
func (s *Session) Offer(candidates []string, timeoutSeconds int, reason string, now time.Time) error {
	if len(candidates) == 0 || !CanTransition(s.State, models.StatePendingAcceptance) {
		return s.reject("offer")
	}
	s.Attempt++
	s.TotalOffers++
	s.OfferSeq++
	s.Offered = slices.Clone(candidates)
	s.Proposal = nil
	s.TimeoutSeconds = timeoutSeconds
	s.CandidateID = ""
	candidate := ""
	if len(candidates) == 1 {
		candidate = candidates[0]
		s.CandidateID = candidate
	}
	for _, c := range candidates {
		if !slices.Contains(s.Tried, c) {
			s.Tried = append(s.Tried, c)
		}
	}
	s.transition(models.StatePendingAcceptance, candidate, reason, now)
	return nil
}

// Accept makes candidateID the assigned professional. Only a member of the
// current offer may accept, and only while the offer is pending.
func (s *Session) Accept(candidateID string, now time.Time) error {
	if s.State != models.StatePendingAcceptance || !s.IsOffered(candidateID) {
		return s.reject("accept by " + candidateID)
	}
	s.CandidateID = candidateID
	s.Offered = nil
	s.TimeoutSeconds = 0
	at := now
	s.AcceptedAt = &at
	s.transition(models.StateActive, candidateID, ReasonAccepted, now)
	return nil
}

// Decline removes candidateID from the current offer. The round ends, and
// the session moves to declined, once nobody in the offer remains; done
// reports whether that happened.
func (s *Session) Decline(candidateID string, now time.Time) (done bool, err error) {
	if s.State != models.StatePendingAcceptance || !s.IsOffered(candidateID) {
		return false, s.reject("decline by " + candidateID)
	}
	s.Offered = slices.DeleteFunc(slices.Clone(s.Offered), func(id string) bool { return id == candidateID })
	if len(s.Offered) > 0 {
		return false, nil
	}
	s.TimeoutSeconds = 0
	s.transition(models.StateDeclined, candidateID, ReasonDeclined, now)
	s.CandidateID = ""
	return true, nil
}

// Timeout expires the offer identified by seq.
func (s *Session) Timeout(seq int, now time.Time) error {
	if s.State != models.StatePendingAcceptance || seq != s.OfferSeq {
		return s.reject("timeout")
	}
	candidate := s.CandidateID
	s.Offered = nil
	s.TimeoutSeconds = 0
	s.transition(models.StateTimedOut, candidate, ReasonTimedOut, now)
	s.CandidateID = ""
	return nil
}

// Propose parks a reassignment until the requester confirms it, arming a
// confirmation timer of timeoutSeconds under a new OfferSeq.
func (s *Session) Propose(candidates []string, timeoutSeconds int, now time.Time) error {
	if len(candidates) == 0 || (s.State != models.StateDeclined && s.State != models.StateTimedOut) {
		return s.reject("propose")
	}
	s.Proposal = slices.Clone(candidates)
	s.OfferSeq++
	s.TimeoutSeconds = timeoutSeconds
	s.LastTransitionAt = now
	return nil
}

// Confirm offers the pending proposal.
func (s *Session) Confirm(timeoutSeconds int, now time.Time) error {
	if !s.AwaitingConfirmation() {
		return s.reject("confirm")
	}
	return s.Offer(s.Proposal, timeoutSeconds, ReasonConfirmed, now)
}

// Expire cancels a session whose confirmation timer identified by seq ran
// out.
func (s *Session) Expire(seq int, now time.Time) error {
	if !s.AwaitingConfirmation() || seq != s.OfferSeq {
		return s.reject("confirmation expiry")
	}
	return s.Cancel("system", ReasonConfirmationExpired, now)
}

// Cancel moves any non-terminal session to cancelled, dropping any pending
// offer or proposal.
func (s *Session) Cancel(by, reason string, now time.Time) error {
	if !CanTransition(s.State, models.StateCancelled) {
		return s.reject("cancel")
	}
	s.Offered = nil
	s.Proposal = nil
	s.TimeoutSeconds = 0
	s.EndReason = reason
	s.EndedBy = by
	at := now
	s.EndedAt = &at
	s.transition(models.StateCancelled, s.CandidateID, reason, now)
	return nil
}

// End closes an active session.
func (s *Session) End(by, reason string, now time.Time) error {
	if s.State != models.StateActive {
		return s.reject("end")
	}
	if reason == "" {
		reason = ReasonEnded
	}
	s.EndReason = reason
	s.EndedBy = by
	at := now
	s.EndedAt = &at
	s.transition(models.StateEnded, s.CandidateID, reason, now)
	return nil
}

// PendingOffers counts how many times the session entered
// pending_acceptance.
func (s *Session) PendingOffers() int {
	n := 0
	for _, t := range s.History {
		if t.To == models.StatePendingAcceptance {
			n++
		}
	}
	return n
}

// States returns the sequence of states the session passed through.
func (s *Session) States() []models.SessionState {
	if len(s.History) == 0 {
		return []models.SessionState{s.State}
	}
	out := []models.SessionState{s.History[0].From}
	for _, t := range s.History {
		out = append(out, t.To)
	}
	return out
}
