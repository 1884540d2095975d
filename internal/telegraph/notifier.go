package telegraph

import (
	"context"
	"fmt"

	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// Notifier posts offers to the chat channel, mentioning the professional's
// chat user when one is mapped. Requester-facing notices are not sent to
// chat: requesters are reached through the outbox and the API, and the ops
// channel already sees every transition through the Daemon.
type Notifier struct {
	adapter Adapter
	pros    Professionals
	log     *logger.Logger
}

// NewNotifier creates a chat Notifier.
func NewNotifier(adapter Adapter, pros Professionals, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{adapter: adapter, pros: pros, log: log}
}

func (n *Notifier) NotifyCandidateOffered(ctx context.Context, candidateID, sessionID, summary string) error {
	who := candidateID
	if p, err := n.pros.Get(ctx, candidateID); err == nil {
		who = mention(p.ChatUserID, candidateID)
	} else {
		n.log.Debug("offer without chat mapping", "candidate", candidateID, "error", err)
	}
	if err := n.adapter.Send(ctx, OutboundMessage{Text: FormatOffer(who, sessionID, summary)}); err != nil {
		return fmt.Errorf("telegraph: notify offer: %w", err)
	}
	return nil
}

func (n *Notifier) NotifyRequesterStateChanged(ctx context.Context, requesterID, sessionID string, state models.SessionState, candidateID string) error {
	return nil
}

func (n *Notifier) NotifyEscalationExhausted(ctx context.Context, requesterID, sessionID string) error {
	return nil
}

func (n *Notifier) NotifyConfirmationRequired(ctx context.Context, requesterID, sessionID string, candidateIDs []string) error {
	return nil
}
