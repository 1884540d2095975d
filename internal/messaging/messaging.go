// Package messaging is the notification outbox: every outbound notice to a
// professional or requester is stored as a durable row that delivery
// collaborators read and acknowledge.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
	"gorm.io/gorm"
)

// Notifier is the outbound notification contract of the dispatch core.
type Notifier interface {
	NotifyCandidateOffered(ctx context.Context, candidateID, sessionID, summary string) error
	NotifyRequesterStateChanged(ctx context.Context, requesterID, sessionID string, state models.SessionState, candidateID string) error
	NotifyEscalationExhausted(ctx context.Context, requesterID, sessionID string) error
	NotifyConfirmationRequired(ctx context.Context, requesterID, sessionID string, candidateIDs []string) error
}

// SendOpts holds optional parameters for sending a notification.
type SendOpts struct {
	SessionID string
	Priority  string // "normal" (default), "urgent"
}

// Send stores a new notification for recipient.
func Send(db *gorm.DB, recipient, kind, subject, body string, opts SendOpts) (*models.Notification, error) {
	if recipient == "" {
		return nil, fmt.Errorf("messaging: recipient is required")
	}
	if kind == "" {
		return nil, fmt.Errorf("messaging: kind is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("messaging: subject is required")
	}

	priority := opts.Priority
	if priority == "" {
		priority = "normal"
	}

	n := models.Notification{
		Recipient: recipient,
		Kind:      kind,
		SessionID: opts.SessionID,
		Subject:   subject,
		Body:      body,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
	if err := db.Create(&n).Error; err != nil {
		return nil, fmt.Errorf("messaging: send: %w", err)
	}
	return &n, nil
}

// Inbox returns unacknowledged notifications for recipient, oldest first.
func Inbox(db *gorm.DB, recipient string) ([]models.Notification, error) {
	if recipient == "" {
		return nil, fmt.Errorf("messaging: recipient is required")
	}
	var out []models.Notification
	if err := db.Where("recipient = ? AND acknowledged = ?", recipient, false).
		Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("messaging: inbox %s: %w", recipient, err)
	}
	return out, nil
}

// Acknowledge marks a notification as delivered.
func Acknowledge(db *gorm.DB, id uint) error {
	result := db.Model(&models.Notification{}).Where("id = ?", id).Update("acknowledged", true)
	if result.Error != nil {
		return fmt.Errorf("messaging: acknowledge %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("messaging: notification not found: %d", id)
	}
	return nil
}

// Outbox implements Notifier by writing notification rows. Urgent rows
// also trigger the configured shell command.
type Outbox struct {
	db     *gorm.DB
	notify NotifyConfig
	log    *logger.Logger
}

// NewOutbox creates an Outbox.
func NewOutbox(db *gorm.DB, notify NotifyConfig, log *logger.Logger) *Outbox {
	if log == nil {
		log = logger.Nop()
	}
	return &Outbox{db: db, notify: notify, log: log}
}

func (o *Outbox) send(ctx context.Context, recipient, kind, subject, body string, opts SendOpts) error {
	n, err := Send(o.db.WithContext(ctx), recipient, kind, subject, body, opts)
	if err != nil {
		return err
	}
	if shouldNotify(n) {
		Notify(n, o.notify, o.log)
	}
	return nil
}

func (o *Outbox) NotifyCandidateOffered(ctx context.Context, candidateID, sessionID, summary string) error {
	body := "A user is waiting for live help."
	if summary != "" {
		body += "\n\n" + summary
	}
	return o.send(ctx, candidateID, models.NotifyOffered, "New session offer "+sessionID, body, SendOpts{SessionID: sessionID})
}

func (o *Outbox) NotifyRequesterStateChanged(ctx context.Context, requesterID, sessionID string, state models.SessionState, candidateID string) error {
	body := "Your session is now " + state.String() + "."
	if candidateID != "" {
		body = fmt.Sprintf("Your session is now %s with professional %s.", state, candidateID)
	}
	return o.send(ctx, requesterID, models.NotifyStateChanged, "Session "+state.String(), body, SendOpts{SessionID: sessionID})
}

func (o *Outbox) NotifyEscalationExhausted(ctx context.Context, requesterID, sessionID string) error {
	return o.send(ctx, requesterID, models.NotifyExhausted, "No professional available",
		"No professional was able to take your request. Please try again later.",
		SendOpts{SessionID: sessionID, Priority: "urgent"})
}

func (o *Outbox) NotifyConfirmationRequired(ctx context.Context, requesterID, sessionID string, candidateIDs []string) error {
	body := fmt.Sprintf("Your request can be passed to %s. Confirm to continue.", strings.Join(candidateIDs, ", "))
	return o.send(ctx, requesterID, models.NotifyConfirmationRequired, "Confirm reassignment", body, SendOpts{SessionID: sessionID})
}

// Fanout delivers to several notifiers. Every notifier is attempted; the
// first error is returned.
type Fanout []Notifier

func (f Fanout) NotifyCandidateOffered(ctx context.Context, candidateID, sessionID, summary string) error {
	return f.each(func(n Notifier) error { return n.NotifyCandidateOffered(ctx, candidateID, sessionID, summary) })
}

func (f Fanout) NotifyRequesterStateChanged(ctx context.Context, requesterID, sessionID string, state models.SessionState, candidateID string) error {
	return f.each(func(n Notifier) error {
		return n.NotifyRequesterStateChanged(ctx, requesterID, sessionID, state, candidateID)
	})
}

func (f Fanout) NotifyEscalationExhausted(ctx context.Context, requesterID, sessionID string) error {
	return f.each(func(n Notifier) error { return n.NotifyEscalationExhausted(ctx, requesterID, sessionID) })
}

func (f Fanout) NotifyConfirmationRequired(ctx context.Context, requesterID, sessionID string, candidateIDs []string) error {
	return f.each(func(n Notifier) error {
		return n.NotifyConfirmationRequired(ctx, requesterID, sessionID, candidateIDs)
	})
}

func (f Fanout) each(fn func(Notifier) error) error {
	var first error
	for _, n := range f {
		if err := fn(n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
