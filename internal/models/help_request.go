package models

import "time"

// HelpRequest is one user-initiated ask for live professional assistance.
// It is written once and never updated.
type HelpRequest struct {
	ID             string `gorm:"primaryKey;size:36"`
	RequesterID    string `gorm:"size:64;not null;index"`
	ConversationID string `gorm:"size:64;index"`
	RoleID         string `gorm:"size:64;not null"`
	TriggerType    string `gorm:"size:16;not null"`
	LocationHint   string `gorm:"size:128"`
	Summary        string `gorm:"type:text"`
	Consent        bool   // requester agreed to share the summary with the professional
	CreatedAt      time.Time
}
