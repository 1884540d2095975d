package models

import "time"

// Notification kinds.
const (
	NotifyOffered              = "offered"
	NotifyStateChanged         = "state_changed"
	NotifyExhausted            = "exhausted"
	NotifyConfirmationRequired = "confirmation_required"
)

// Notification is a durable outbox row for a professional or requester.
// Delivery collaborators read unacknowledged rows and acknowledge them.
type Notification struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Recipient    string `gorm:"size:64;not null;index"`
	Kind         string `gorm:"size:32;not null"`
	SessionID    string `gorm:"size:36;index"`
	Subject      string `gorm:"size:256"`
	Body         string `gorm:"type:text"`
	Priority     string `gorm:"size:8;default:normal"`
	Acknowledged bool   `gorm:"default:false;index"`
	CreatedAt    time.Time
}
