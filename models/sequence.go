package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence status values
const (
	SequenceStatusDraft  = "draft"
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
)

// Step eligibility conditions, evaluated against recipient engagement
// at actual send time
const (
	StepConditionAlways    = ""
	StepConditionOpened    = "opened"
	StepConditionClicked   = "clicked"
	StepConditionNotOpened = "not_opened"
)

// Sequence represents an automated outbound message sequence
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one step in a sequence. Steps are ordered by
// StepNumber and are never renumbered once any enrollment has progressed
// past them; an in-flight enrollment keeps following the list as it existed
// at enrollment time.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber  int    `gorm:"not null" json:"step_number"`
	DelayHours  int    `gorm:"not null" json:"delay_hours"` // offset from enrollment start, not from previous step
	TemplateRef string `gorm:"not null" json:"template_ref"`
	Subject     string `json:"subject"`
	Body        string `gorm:"type:text" json:"body"`
	Condition   string `json:"condition"` // "", opened, clicked, not_opened

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`
}

// Delay returns the step's offset from enrollment start.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayHours) * time.Hour
}
