package models

import "time"

// Professional is a human service provider who can be offered help requests.
// CurrentSessionCount is only mutated through the directory's atomic
// Reserve/Release updates.
type Professional struct {
	ID                  string  `gorm:"primaryKey;size:64"`
	Name                string  `gorm:"size:128"`
	RoleID              string  `gorm:"size:64;not null;index"`
	Online              bool    `gorm:"index"`
	CurrentSessionCount int     `gorm:"not null;default:0"`
	RatingAverage       float64 `gorm:"not null;default:0"`
	RatingCount         int     `gorm:"not null;default:0"`
	LocationHint        string  `gorm:"size:128"`
	ChatUserID          string  `gorm:"size:128;index"` // Slack/Discord user mapped to this professional
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
