package telegraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// stateVerb returns a human-friendly verb for a session transition.
func stateVerb(to models.SessionState, reason string) string {
	switch to {
	case models.StatePendingAcceptance:
		if reason == lifecycle.ReasonFallback {
			return "offered under fallback rule"
		}
		return "offered"
	case models.StateActive:
		return "accepted"
	case models.StateEnded:
		return "ended"
	case models.StateDeclined:
		return "declined"
	case models.StateTimedOut:
		return "timed out"
	case models.StateCancelled:
		if reason == lifecycle.ReasonEscalationExhausted {
			return "exhausted"
		}
		return "cancelled"
	default:
		return to.String()
	}
}

// stateSeverity returns the severity for a session transition.
func stateSeverity(to models.SessionState, reason string) string {
	switch to {
	case models.StateActive, models.StateEnded:
		return "success"
	case models.StateDeclined, models.StateTimedOut:
		return "warning"
	case models.StateCancelled:
		switch reason {
		case lifecycle.ReasonEscalationExhausted:
			return "error"
		case lifecycle.ReasonConfirmationExpired:
			return "warning"
		}
		return "info"
	default:
		return "info"
	}
}

// shortID trims a session UUID to its first block.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) == 36 {
		return id[:i]
	}
	return id
}

// FormatSessionEvent formats one session transition for the ops channel.
func FormatSessionEvent(ev events.SessionEvent) FormattedEvent {
	severity := stateSeverity(ev.To, ev.Reason)
	title := fmt.Sprintf("Session %s %s", shortID(ev.SessionID), stateVerb(ev.To, ev.Reason))

	var bodyParts []string
	if ev.From != models.StateUnknown {
		bodyParts = append(bodyParts, fmt.Sprintf("%s → %s", ev.From, ev.To))
	}
	if ev.Reason != "" {
		bodyParts = append(bodyParts, "Reason: "+ev.Reason)
	}

	fields := []Field{
		{Name: "Session", Value: ev.SessionID, Short: true},
		{Name: "Attempt", Value: strconv.Itoa(ev.Attempt), Short: true},
	}
	switch {
	case len(ev.Offered) > 1:
		fields = append(fields, Field{Name: "Offered", Value: strings.Join(ev.Offered, ", "), Short: false})
	case ev.CandidateID != "":
		fields = append(fields, Field{Name: "Professional", Value: ev.CandidateID, Short: true})
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// mention renders a platform user mention. Slack and Discord share the
// <@id> form.
func mention(chatUserID, fallback string) string {
	if chatUserID == "" {
		return fallback
	}
	return "<@" + chatUserID + ">"
}

// FormatOffer builds the message asking a professional to take a session.
func FormatOffer(who, sessionID, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s you have a new help request (session `%s`).\n", who, sessionID)
	if summary != "" {
		fmt.Fprintf(&b, "> %s\n", truncate(summary, 300))
	}
	fmt.Fprintf(&b, "Reply `%s accept %s` or `%s decline %s`.", commandPrefix, sessionID, commandPrefix, sessionID)
	return b.String()
}

// FormatSession renders a session for the status command.
func FormatSession(s *lifecycle.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Session %s**: %s\n", s.ID, s.State)
	fmt.Fprintf(&b, "Role: %s | Rule: %s | Attempt: %d | Offers: %d\n", s.RoleID, s.RuleID, s.Attempt, s.TotalOffers)
	if s.CandidateID != "" {
		fmt.Fprintf(&b, "Professional: %s\n", s.CandidateID)
	}
	if len(s.Offered) > 0 {
		fmt.Fprintf(&b, "Offered: %s\n", strings.Join(s.Offered, ", "))
	}
	if s.EndReason != "" {
		fmt.Fprintf(&b, "End reason: %s\n", s.EndReason)
	}
	return b.String()
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
