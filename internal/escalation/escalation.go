// Package escalation decides what happens to a session when its offer goes
// unanswered: another offer under the current rule, a switch to a fallback
// rule, or exhaustion.
package escalation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/directory"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/match"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/rules"
)

// Action is the kind of escalation outcome.
type Action string

const (
	ActionReassigned      Action = "REASSIGNED"
	ActionFallbackApplied Action = "FALLBACK_APPLIED"
	ActionExhausted       Action = "EXHAUSTED"
)

// Outcome is the engine's decision. Candidates is set for Reassigned and
// FallbackApplied; Rule is the rule the candidates were chosen under. Err
// is set for Exhausted.
type Outcome struct {
	Action     Action
	Rule       *models.EscalationRule
	Candidates []string
	Match      match.Result
	Err        error
}

// Opts configures an Engine.
type Opts struct {
	Directory     directory.Directory
	Rules         rules.Store
	Matcher       *match.Matcher
	RequireOnline bool
	MaxLoad       int
	Logger        *logger.Logger
}

// Engine applies escalation strategies. It reads the directory and rule
// store but never mutates a session; the caller applies the Outcome.
type Engine struct {
	dir           directory.Directory
	rules         rules.Store
	matcher       *match.Matcher
	requireOnline bool
	maxLoad       int
	log           *logger.Logger

	mu      sync.Mutex
	cursors map[string]string // rule ID -> last candidate offered by round_robin
}

// New creates an Engine.
func New(opts Opts) *Engine {
	m := opts.Matcher
	if m == nil {
		m = match.New(match.DefaultWeights())
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		dir:           opts.Directory,
		rules:         opts.Rules,
		matcher:       m,
		requireOnline: opts.RequireOnline,
		maxLoad:       opts.MaxLoad,
		log:           log,
		cursors:       make(map[string]string),
	}
}

// Escalate picks the next offer for sess under rule. While attempts remain
// the rule's own strategy is tried; once they are used up, or the rule's
// pool is empty, fallback rules are walked in order and the first with a
// non-empty pool wins. Otherwise the outcome is Exhausted.
func (e *Engine) Escalate(ctx context.Context, sess *lifecycle.Session, req match.Request, rule *models.EscalationRule) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	var miss error
	if sess.Attempt < max(rule.MaxEscalationAttempts, 1) {
		picked, result := e.pick(ctx, sess, req, rule)
		if len(picked) > 0 {
			return Outcome{Action: ActionReassigned, Rule: rule, Candidates: picked, Match: result}, nil
		}
		miss = noCandidates(rule)
		e.log.Info("no candidates under rule, trying fallbacks", "session", sess.ID, "rule", rule.ID)
	}

	for _, id := range e.fallbackChain(ctx, sess, rule) {
		fb, err := e.rules.Get(ctx, id)
		if err != nil {
			// A fallback that cannot be read is treated as unresolvable.
			e.log.Warn("fallback rule unavailable", "session", sess.ID, "rule", id, "error", err)
			continue
		}
		if !fb.IsActive {
			continue
		}
		picked, result := e.pick(ctx, sess, req, fb)
		if len(picked) > 0 {
			return Outcome{Action: ActionFallbackApplied, Rule: fb, Candidates: picked, Match: result}, nil
		}
		miss = noCandidates(fb)
	}
	err := apperr.Wrap(apperr.KindEscalationExhausted,
		fmt.Sprintf("session %s exhausted after %d offers", sess.ID, sess.TotalOffers), miss).WithOp("escalation")
	return Outcome{Action: ActionExhausted, Rule: rule, Err: err}, nil
}

func noCandidates(rule *models.EscalationRule) error {
	return apperr.Newf(apperr.KindNoCandidatesAvailable, "no candidates under rule %s", rule.ID)
}

// fallbackChain lists fallback rule IDs to consider: the current rule's
// fallbacks first, then the unexplored fallbacks of rules used earlier in
// the chain. Rules the session already used are skipped.
func (e *Engine) fallbackChain(ctx context.Context, sess *lifecycle.Session, rule *models.EscalationRule) []string {
	var chain []string
	seen := map[string]bool{rule.ID: true}
	for _, id := range sess.UsedRules {
		seen[id] = true
	}
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				chain = append(chain, id)
			}
		}
	}
	add(rule.Fallbacks())
	for i := len(sess.UsedRules) - 1; i >= 0; i-- {
		id := sess.UsedRules[i]
		if id == rule.ID {
			continue
		}
		prev, err := e.rules.Get(ctx, id)
		if err != nil {
			continue
		}
		add(prev.Fallbacks())
	}
	return chain
}

// pick returns the candidate IDs rule's strategy would offer next. A
// directory failure yields no candidates.
func (e *Engine) pick(ctx context.Context, sess *lifecycle.Session, req match.Request, rule *models.EscalationRule) ([]string, match.Result) {
	role := rule.RoleID
	if role == "" {
		role = sess.RoleID
	}
	all, err := e.dir.ListCandidates(ctx, role, nil)
	if err != nil {
		if !apperr.Is(err, apperr.KindDirectoryUnavailable) {
			err = apperr.Wrap(apperr.KindDirectoryUnavailable, "list candidates", err)
		}
		e.log.Warn("directory unavailable, no candidates", "session", sess.ID, "rule", rule.ID, "error", err)
		return nil, nil
	}
	available := match.Available(all, e.requireOnline, e.maxLoad)

	switch rule.Strategy {
	case models.StrategyRoundRobin:
		next := e.rotate(rule.ID, available, sess.Tried)
		if next == "" {
			return nil, nil
		}
		return []string{next}, nil
	case models.StrategyBroadcast:
		result := e.matcher.Match(req, available, sess.Tried).Top(rule.BroadcastSize)
		return result.IDs(), result
	default:
		result := e.matcher.Match(req, available, sess.Tried).Top(1)
		return result.IDs(), result
	}
}

// rotate advances rule's cursor to the next candidate in ID order that the
// session has not tried, wrapping around once.
func (e *Engine) rotate(ruleID string, available []match.Candidate, tried []string) string {
	ids := make([]string, 0, len(available))
	for _, c := range available {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cursor := e.cursors[ruleID]
	start := sort.SearchStrings(ids, cursor)
	if start < len(ids) && ids[start] == cursor {
		start++
	}
	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]
		if slices.Contains(tried, id) {
			continue
		}
		e.cursors[ruleID] = id
		return id
	}
	return ""
}
