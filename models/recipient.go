package models

import (
    "time"
    "gorm.io/gorm"
)


// Recipient represents a single contact that can be enrolled in sequences
type Recipient struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	// Delivery policy
	Timezone       string `gorm:"default:'UTC'" json:"timezone"`          // IANA zone name, e.g. America/New_York
	QuietHourStart int    `gorm:"default:21" json:"quiet_hour_start"`     // local hour, inclusive
	QuietHourEnd   int    `gorm:"default:8" json:"quiet_hour_end"`        // local hour, exclusive

	// Consecutive soft bounces; reset on a successful delivery event
	SoftBounceStreak int `gorm:"default:0" json:"soft_bounce_streak"`

	// Engagement counters, read by the lead-scoring collaborator
	OpenCount     int        `gorm:"default:0" json:"open_count"`
	ClickCount    int        `gorm:"default:0" json:"click_count"`
	LastOpenedAt  *time.Time `json:"last_opened_at"`
	LastClickedAt *time.Time `json:"last_clicked_at"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Enrollments []Enrollment `gorm:"foreignKey:RecipientID" json:"enrollments,omitempty"`
}

// HasQuietHours reports whether the recipient has a quiet-hour window configured.
func (r *Recipient) HasQuietHours() bool {
	return r.QuietHourStart != r.QuietHourEnd
}
