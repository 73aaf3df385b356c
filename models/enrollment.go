package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment states. completed, cancelled and suppressed are terminal and
// never reopened - a new enrollment must be created to resume contact.
const (
	EnrollmentStatePending    = "pending"
	EnrollmentStateActive     = "active"
	EnrollmentStatePaused     = "paused"
	EnrollmentStateCompleted  = "completed"
	EnrollmentStateCancelled  = "cancelled"
	EnrollmentStateSuppressed = "suppressed"
)

// Enrollment tracks one recipient's progress through one sequence instance
type Enrollment struct {
	gorm.Model
	PublicID    string `gorm:"not null;uniqueIndex" json:"public_id"`
	RecipientID uint   `gorm:"not null;index" json:"recipient_id"`
	SequenceID  uint   `gorm:"not null;index" json:"sequence_id"`

	// Progress. CurrentStepIndex is monotonically non-decreasing; -1 means
	// no step has been sent yet.
	CurrentStepIndex int        `gorm:"default:-1" json:"current_step_index"`
	State            string     `gorm:"default:'active';index" json:"state"`
	EnrolledAt       time.Time  `gorm:"not null" json:"enrolled_at"`
	NextDueAt        *time.Time `gorm:"index" json:"next_due_at"`
	LastAttemptAt    *time.Time `json:"last_attempt_at"`
	AttemptCount     int        `gorm:"default:0" json:"attempt_count"` // retries for the current step

	// ClaimedAt is the dispatch lease. A run owns this enrollment while
	// ClaimedAt is within the lease window; stale claims are re-claimable.
	ClaimedAt *time.Time `json:"-"`

	Source string `json:"source"` // signup, tag, manual, api

	// Relations
	Recipient Recipient `json:"-"`
	Sequence  Sequence  `json:"-"`
	Attempts  []DispatchAttempt `gorm:"foreignKey:EnrollmentID" json:"attempts,omitempty"`
}

// IsTerminal reports whether the enrollment has reached a state that is
// never reopened.
func (e *Enrollment) IsTerminal() bool {
	switch e.State {
	case EnrollmentStateCompleted, EnrollmentStateCancelled, EnrollmentStateSuppressed:
		return true
	}
	return false
}
