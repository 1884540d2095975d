// Package dispatch routes help requests to professionals. It owns the
// per-session serialization, the offer and confirmation timers, and the
// side effects (load accounting, notifications, events) that follow each
// lifecycle transition.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/escalation"
	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/match"
	"github.com/dreambigrsa/liveassist/internal/messaging"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/rules"
	"github.com/dreambigrsa/liveassist/internal/validate"
	"github.com/google/uuid"
)

// timerBudget bounds the work done by one timer callback.
const timerBudget = 30 * time.Second

// HelpRequestInput is an inbound request for live assistance.
type HelpRequestInput struct {
	RequesterID    string `json:"requester_id" validate:"required,max=64"`
	ConversationID string `json:"conversation_id" validate:"max=64"`
	RoleID         string `json:"role_id" validate:"required,max=64"`
	TriggerType    string `json:"trigger_type" validate:"omitempty,oneof=timeout user_request ai_detection manual"`
	LocationHint   string `json:"location_hint" validate:"max=128"`
	Summary        string `json:"summary" validate:"max=4000"`
	Consent        bool   `json:"consent"`
}

type armedTimer struct {
	lifecycle.Timer
	seq int
}

// Opts holds the collaborators of a Dispatcher.
type Opts struct {
	Store     lifecycle.Store
	Directory directory.Directory
	Rules     rules.Store
	Engine    *escalation.Engine
	Notifier  messaging.Notifier
	Events    events.Publisher
	Clock     lifecycle.Clock
	Logger    *logger.Logger
	Config    config.DispatchConfig

	// NewID generates session and request IDs. Defaults to uuid.NewString.
	NewID func() string
}

// Dispatcher is the composition root of the assignment core. All signals
// for one session are applied one at a time; signals for different
// sessions proceed in parallel. Inside one process a keyed lock orders
// them. Between processes sharing a store the versioned save decides, and
// the losing signal gets InvalidTransition.
type Dispatcher struct {
	store    lifecycle.Store
	dir      directory.Directory
	rules    rules.Store
	engine   *escalation.Engine
	notifier messaging.Notifier
	events   events.Publisher
	clock    lifecycle.Clock
	log      *logger.Logger
	cfg      config.DispatchConfig
	newID    func() string
	validate *validate.Validator

	locks *sessionLocks

	mu     sync.Mutex
	timers map[string]armedTimer
	closed bool
}

// New creates a Dispatcher. Store, Directory, Rules and Engine are required.
func New(opts Opts) (*Dispatcher, error) {
	if opts.Store == nil || opts.Directory == nil || opts.Rules == nil || opts.Engine == nil {
		return nil, fmt.Errorf("dispatch: store, directory, rules and engine are required")
	}
	d := &Dispatcher{
		store:    opts.Store,
		dir:      opts.Directory,
		rules:    opts.Rules,
		engine:   opts.Engine,
		notifier: opts.Notifier,
		events:   opts.Events,
		clock:    opts.Clock,
		log:      opts.Logger,
		cfg:      opts.Config,
		newID:    opts.NewID,
		validate: validate.New(),
		locks:    newSessionLocks(),
		timers:   make(map[string]armedTimer),
	}
	if d.notifier == nil {
		d.notifier = messaging.Fanout{}
	}
	if d.events == nil {
		d.events = events.Multi{}
	}
	if d.clock == nil {
		d.clock = lifecycle.RealClock{}
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.cfg.DefaultTimeoutSec <= 0 {
		d.cfg.DefaultTimeoutSec = 60
	}
	if d.cfg.ConfirmationTimeoutSec <= 0 {
		d.cfg.ConfirmationTimeoutSec = 120
	}
	if d.cfg.MaxConcurrentLoad <= 0 {
		d.cfg.MaxConcurrentLoad = 3
	}
	return d, nil
}

// RequestHelp creates a session for in and makes its first offer. When no
// rule applies the request is rejected with RuleResolutionFailure and no
// session is created. When a rule applies but nobody can be offered, the
// session is created already cancelled and the requester is told.
func (d *Dispatcher) RequestHelp(ctx context.Context, in HelpRequestInput) (string, error) {
	if err := d.validate.Struct(in); err != nil {
		return "", err
	}
	if in.TriggerType == "" {
		in.TriggerType = models.TriggerTimeout
	}

	rule, err := d.rules.ResolveRule(ctx, in.RoleID, in.TriggerType)
	if err != nil {
		if apperr.Is(err, apperr.KindRuleStoreUnavailable) {
			d.log.Warn("rule store unavailable", "role", in.RoleID, "trigger", in.TriggerType, "error", err)
			return "", apperr.Wrap(apperr.KindRuleResolutionFailure, "resolve rule", err).WithOp("dispatch")
		}
		return "", fmt.Errorf("dispatch: resolve rule: %w", err)
	}

	now := d.clock.Now()
	req := &models.HelpRequest{
		ID:             d.newID(),
		RequesterID:    in.RequesterID,
		ConversationID: in.ConversationID,
		RoleID:         in.RoleID,
		TriggerType:    in.TriggerType,
		LocationHint:   in.LocationHint,
		Summary:        in.Summary,
		Consent:        in.Consent,
		CreatedAt:      now,
	}
	s := lifecycle.New(d.newID(), req, now)

	unlock := d.locks.Lock(s.ID)
	defer unlock()

	if err := s.ApplyRule(rule.ID); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if err := d.advance(ctx, s, req, rule, true); err != nil {
		return "", err
	}

	changes := s.Unsaved()
	if err := d.store.Create(ctx, req, s); err != nil {
		return "", fmt.Errorf("dispatch: create session: %w", err)
	}
	d.log.Info("help requested", "session", s.ID, "requester", s.RequesterID, "role", s.RoleID, "rule", rule.ID, "state", s.State)
	d.after(ctx, s, req, changes)
	return s.ID, nil
}

// ProfessionalRespond applies candidateID's answer to the current offer.
// Accepting reserves one unit of the professional's load first; a
// professional at capacity gets CapacityExceeded and the offer stands.
// A decline that empties the round escalates immediately.
func (d *Dispatcher) ProfessionalRespond(ctx context.Context, sessionID, candidateID string, accept bool) error {
	if sessionID == "" || candidateID == "" {
		return apperr.Validation("session_id and candidate_id are required")
	}
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}
	now := d.clock.Now()

	if accept {
		return d.accept(ctx, s, candidateID, now)
	}

	done, err := s.Decline(candidateID, now)
	if err != nil {
		d.discard(s, "decline", candidateID, err)
		return err
	}
	var req *models.HelpRequest
	if done {
		if req, err = d.escalate(ctx, s); err != nil {
			return err
		}
	}
	return d.commit(ctx, s, req)
}

func (d *Dispatcher) accept(ctx context.Context, s *lifecycle.Session, candidateID string, now time.Time) error {
	if s.State != models.StatePendingAcceptance || !s.IsOffered(candidateID) {
		err := apperr.InvalidTransition("accept by %s not allowed: session %s is %s", candidateID, s.ID, s.State).WithOp("dispatch")
		d.discard(s, "accept", candidateID, err)
		return err
	}
	if err := d.dir.Reserve(ctx, candidateID, d.cfg.MaxConcurrentLoad); err != nil {
		d.log.Info("accept refused", "session", s.ID, "candidate", candidateID, "error", err)
		return fmt.Errorf("dispatch: reserve %s: %w", candidateID, err)
	}
	if err := s.Accept(candidateID, now); err != nil {
		d.release(ctx, s.ID, candidateID)
		return err
	}
	if err := d.commit(ctx, s, nil); err != nil {
		d.release(ctx, s.ID, candidateID)
		return err
	}
	return nil
}

// CancelSession cancels any non-terminal session on behalf of requestedBy.
// Cancelling an active session frees the professional's load.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID, requestedBy string) error {
	if sessionID == "" || requestedBy == "" {
		return apperr.Validation("session_id and requested_by are required")
	}
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}
	wasActive := s.State == models.StateActive
	if err := s.Cancel(requestedBy, lifecycle.ReasonRequesterCancelled, d.clock.Now()); err != nil {
		d.discard(s, "cancel", requestedBy, err)
		return err
	}
	if err := d.commit(ctx, s, nil); err != nil {
		return err
	}
	if wasActive {
		d.release(ctx, s.ID, s.CandidateID)
	}
	return nil
}

// EndSession closes an active session and frees the professional's load.
// Only the requester or the assigned professional may end it.
func (d *Dispatcher) EndSession(ctx context.Context, sessionID, endedBy, reason string) error {
	if sessionID == "" || endedBy == "" {
		return apperr.Validation("session_id and ended_by are required")
	}
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}
	if endedBy != s.RequesterID && (s.CandidateID == "" || endedBy != s.CandidateID) {
		return apperr.Validation("%s is not a party to session %s", endedBy, sessionID)
	}
	if err := s.End(endedBy, reason, d.clock.Now()); err != nil {
		d.discard(s, "end", endedBy, err)
		return err
	}
	if err := d.commit(ctx, s, nil); err != nil {
		return err
	}
	d.release(ctx, s.ID, s.CandidateID)
	return nil
}

// ConfirmEscalation answers a reassignment proposal. Confirming offers the
// proposed candidates; denying cancels the session.
func (d *Dispatcher) ConfirmEscalation(ctx context.Context, sessionID, requesterID string, confirm bool) error {
	if sessionID == "" || requesterID == "" {
		return apperr.Validation("session_id and requester_id are required")
	}
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatch: load session: %w", err)
	}
	if s.RequesterID != requesterID {
		return apperr.Validation("requester %s does not own session %s", requesterID, sessionID)
	}
	now := d.clock.Now()
	if !confirm {
		if !s.AwaitingConfirmation() {
			err := apperr.InvalidTransition("deny not allowed: session %s is %s", s.ID, s.State).WithOp("dispatch")
			d.discard(s, "deny", requesterID, err)
			return err
		}
		if err := s.Cancel(requesterID, lifecycle.ReasonConfirmationDenied, now); err != nil {
			d.discard(s, "deny", requesterID, err)
			return err
		}
		return d.commit(ctx, s, nil)
	}

	timeout := d.cfg.DefaultTimeoutSec
	if rule, err := d.rules.Get(ctx, s.RuleID); err == nil {
		timeout = d.offerTimeout(rule)
	}
	if err := s.Confirm(timeout, now); err != nil {
		d.discard(s, "confirm", requesterID, err)
		return err
	}
	return d.commit(ctx, s, nil)
}

// GetSession returns the current view of a session.
func (d *Dispatcher) GetSession(ctx context.Context, sessionID string) (*lifecycle.Session, error) {
	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get session: %w", err)
	}
	return s, nil
}

// Recover re-arms timers for every open session after a restart. Offers
// whose deadline passed while the process was down expire right away.
// Sessions left between an offer round and the next are escalated.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	open, err := d.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: recover: %w", err)
	}
	armed := 0
	for _, s := range open {
		if d.recoverOne(ctx, s.ID) {
			armed++
		}
	}
	d.log.Info("recovered open sessions", "open", len(open), "timers", armed)
	return armed, nil
}

func (d *Dispatcher) recoverOne(ctx context.Context, sessionID string) bool {
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		d.log.Warn("recover: load failed", "session", sessionID, "error", err)
		return false
	}
	switch {
	case s.State == models.StatePendingAcceptance || s.AwaitingConfirmation():
		d.arm(s)
		return true
	case s.State == models.StateRequested, s.State == models.StateDeclined, s.State == models.StateTimedOut:
		req, err := d.escalate(ctx, s)
		if err != nil {
			d.log.Warn("recover: escalate failed", "session", s.ID, "error", err)
			return false
		}
		if err := d.commit(ctx, s, req); err != nil {
			if !apperr.Is(err, apperr.KindInvalidTransition) {
				d.log.Warn("recover: save failed", "session", s.ID, "error", err)
			}
			return false
		}
		return s.State == models.StatePendingAcceptance || s.AwaitingConfirmation()
	}
	return false
}

// Close stops all timers. Signals already in flight complete.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// ArmedTimers reports how many sessions have a live timer.
func (d *Dispatcher) ArmedTimers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// onTimer handles an offer or confirmation timer identified by seq. A
// timer that lost the race to another signal is logged and dropped.
func (d *Dispatcher) onTimer(sessionID string, seq int) {
	ctx, cancel := context.WithTimeout(context.Background(), timerBudget)
	defer cancel()

	unlock := d.locks.Lock(sessionID)
	defer unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	s, err := d.store.Load(ctx, sessionID)
	if err != nil {
		d.log.Error("timer: load session", "session", sessionID, "error", err)
		return
	}
	now := d.clock.Now()

	var req *models.HelpRequest
	switch {
	case s.AwaitingConfirmation():
		if err := s.Expire(seq, now); err != nil {
			d.discard(s, "confirmation expiry", "", err)
			return
		}
	default:
		if err := s.Timeout(seq, now); err != nil {
			d.discard(s, "timeout", "", err)
			return
		}
		if req, err = d.escalate(ctx, s); err != nil {
			d.log.Error("timer: escalate", "session", sessionID, "error", err)
			return
		}
	}
	if err := d.commit(ctx, s, req); err != nil && !apperr.Is(err, apperr.KindInvalidTransition) {
		d.log.Error("timer: save session", "session", sessionID, "error", err)
	}
}

// escalate runs the escalation engine for a session whose round ended and
// applies the outcome. It returns the help request it loaded.
func (d *Dispatcher) escalate(ctx context.Context, s *lifecycle.Session) (*models.HelpRequest, error) {
	req, err := d.store.LoadRequest(ctx, s.RequestID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load request: %w", err)
	}
	rule, err := d.rules.Get(ctx, s.RuleID)
	if err != nil {
		d.log.Warn("current rule unavailable, exhausting", "session", s.ID, "rule", s.RuleID, "error", err)
		return req, s.Cancel("system", lifecycle.ReasonEscalationExhausted, d.clock.Now())
	}
	return req, d.advance(ctx, s, req, rule, s.State == models.StateRequested)
}

// advance asks the engine for the next offer under rule and applies it to
// s. Reassignments after the first offer wait for the requester when the
// chosen rule says so.
func (d *Dispatcher) advance(ctx context.Context, s *lifecycle.Session, req *models.HelpRequest, rule *models.EscalationRule, initial bool) error {
	outcome, err := d.engine.Escalate(ctx, s, match.Request{RoleID: s.RoleID, LocationHint: req.LocationHint}, rule)
	if err != nil {
		return fmt.Errorf("dispatch: escalate: %w", err)
	}
	now := d.clock.Now()

	reason := lifecycle.ReasonEscalated
	if initial {
		reason = lifecycle.ReasonOffered
	}
	chosen := outcome.Rule

	switch outcome.Action {
	case escalation.ActionExhausted:
		d.log.Info("escalation exhausted", "session", s.ID, "rule", s.RuleID, "offers", s.TotalOffers, "error", outcome.Err)
		return s.Cancel("system", lifecycle.ReasonEscalationExhausted, now)
	case escalation.ActionFallbackApplied:
		d.log.Info("fallback rule applied", "session", s.ID, "from", s.RuleID, "to", chosen.ID)
		if err := s.ApplyRule(chosen.ID); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		reason = lifecycle.ReasonFallback
	}

	if !initial && chosen.RequireUserConfirmation {
		return s.Propose(outcome.Candidates, d.cfg.ConfirmationTimeoutSec, now)
	}
	return s.Offer(outcome.Candidates, d.offerTimeout(chosen), reason, now)
}

// offerTimeout is the rule's timeout for timeout-triggered rules, else the
// configured default.
func (d *Dispatcher) offerTimeout(rule *models.EscalationRule) int {
	if rule.TriggerType == models.TriggerTimeout && rule.TimeoutSeconds > 0 {
		return rule.TimeoutSeconds
	}
	return d.cfg.DefaultTimeoutSec
}

// commit persists s and then runs the side effects of its new transitions.
func (d *Dispatcher) commit(ctx context.Context, s *lifecycle.Session, req *models.HelpRequest) error {
	changes := s.Unsaved()
	if err := d.store.Save(ctx, s); err != nil {
		if apperr.Is(err, apperr.KindInvalidTransition) {
			d.log.Info("signal lost to a concurrent writer", "session", s.ID, "version", s.Version, "error", err)
			return err
		}
		return fmt.Errorf("dispatch: save session: %w", err)
	}
	d.after(ctx, s, req, changes)
	return nil
}

// after publishes events, sends notifications and re-arms the timer for
// the transitions in changes. Delivery failures are logged; the state
// change already happened.
func (d *Dispatcher) after(ctx context.Context, s *lifecycle.Session, req *models.HelpRequest, changes []lifecycle.Transition) {
	d.arm(s)

	for _, t := range changes {
		d.log.Info("session transition", "session", s.ID, "from", t.From, "to", t.To, "attempt", t.Attempt, "candidate", t.CandidateID, "reason", t.Reason)
		ev := events.SessionEvent{
			SessionID:   s.ID,
			RequesterID: s.RequesterID,
			From:        t.From,
			To:          t.To,
			Attempt:     t.Attempt,
			CandidateID: t.CandidateID,
			Reason:      t.Reason,
			At:          t.At,
		}
		if t.To == models.StatePendingAcceptance {
			ev.Offered = s.Offered
		}
		if err := d.events.Publish(ctx, ev); err != nil {
			d.log.Warn("publish event failed", "session", s.ID, "error", err)
		}
		d.notify(ctx, s, req, t)
	}

	if s.AwaitingConfirmation() && len(changes) > 0 {
		if err := d.notifier.NotifyConfirmationRequired(ctx, s.RequesterID, s.ID, s.Proposal); err != nil {
			d.log.Warn("notify confirmation failed", "session", s.ID, "error", err)
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, s *lifecycle.Session, req *models.HelpRequest, t lifecycle.Transition) {
	var err error
	switch t.To {
	case models.StatePendingAcceptance:
		summary := ""
		if req == nil {
			req, err = d.store.LoadRequest(ctx, s.RequestID)
			if err != nil {
				d.log.Warn("load request for summary", "session", s.ID, "error", err)
			}
		}
		if req != nil && req.Consent {
			summary = req.Summary
		}
		for _, c := range s.Offered {
			if err := d.notifier.NotifyCandidateOffered(ctx, c, s.ID, summary); err != nil {
				d.log.Warn("notify candidate failed", "session", s.ID, "candidate", c, "error", err)
			}
		}
		err = d.notifier.NotifyRequesterStateChanged(ctx, s.RequesterID, s.ID, t.To, t.CandidateID)
	case models.StateActive, models.StateEnded:
		err = d.notifier.NotifyRequesterStateChanged(ctx, s.RequesterID, s.ID, t.To, t.CandidateID)
	case models.StateCancelled:
		if t.Reason == lifecycle.ReasonEscalationExhausted {
			err = d.notifier.NotifyEscalationExhausted(ctx, s.RequesterID, s.ID)
		} else {
			err = d.notifier.NotifyRequesterStateChanged(ctx, s.RequesterID, s.ID, t.To, t.CandidateID)
		}
	}
	if err != nil {
		d.log.Warn("notify requester failed", "session", s.ID, "state", t.To, "error", err)
	}
}

// arm replaces the session's timer with one matching its deadline, or
// clears it when no timer applies.
func (d *Dispatcher) arm(s *lifecycle.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[s.ID]; ok {
		t.Stop()
		delete(d.timers, s.ID)
	}
	deadline := s.Deadline()
	if deadline.IsZero() || d.closed {
		return
	}
	delay := deadline.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id, seq := s.ID, s.OfferSeq
	t := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if cur, ok := d.timers[id]; ok && cur.seq == seq {
			delete(d.timers, id)
		}
		d.mu.Unlock()
		d.onTimer(id, seq)
	})
	d.timers[id] = armedTimer{Timer: t, seq: seq}
}

func (d *Dispatcher) release(ctx context.Context, sessionID, candidateID string) {
	if candidateID == "" {
		return
	}
	if err := d.dir.Release(ctx, candidateID); err != nil {
		d.log.Warn("release load failed", "session", sessionID, "candidate", candidateID, "error", err)
	}
}

// discard logs a signal that lost to an earlier one.
func (d *Dispatcher) discard(s *lifecycle.Session, signal, actor string, err error) {
	d.log.Info("signal discarded", "session", s.ID, "signal", signal, "actor", actor, "state", s.State, "error", err)
}
