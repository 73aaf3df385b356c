package models

import (
	"time"

	"gorm.io/gorm"
)

// DispatchAttempt outcomes. sent and failed_permanent are terminal for a
// (enrollment, step_index) pair and must never be attempted again.
const (
	OutcomeSent              = "sent"
	OutcomeSkippedSuppressed = "skipped_suppressed"
	OutcomeSkippedBudget     = "skipped_budget"
	OutcomeSkippedNotDue     = "skipped_not_due"
	OutcomeSkippedQuietHours = "skipped_quiet_hours"
	OutcomeSkippedIneligible = "skipped_ineligible"
	OutcomeFailedRetryable   = "failed_retryable"
	OutcomeFailedPermanent   = "failed_permanent"
)

// DispatchAttempt is the audit and idempotency ledger for step sends
type DispatchAttempt struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index:idx_attempt_step" json:"enrollment_id"`
	StepIndex    int  `gorm:"not null;index:idx_attempt_step" json:"step_index"`

	AttemptedAt       time.Time `gorm:"not null" json:"attempted_at"`
	Outcome           string    `gorm:"not null" json:"outcome"`
	ProviderMessageID string    `gorm:"index" json:"provider_message_id"`
	ErrorMessage      string    `json:"error_message"`

	// Relations
	Enrollment Enrollment `json:"-"`
}

// IsTerminalOutcome reports whether an outcome closes its step for good.
func IsTerminalOutcome(outcome string) bool {
	return outcome == OutcomeSent || outcome == OutcomeFailedPermanent
}

// BudgetCounter bounds sends (or any externally metered call) within a
// rolling window. Rollover happens lazily at read time when wall-clock has
// crossed WindowStart + WindowSeconds.
type BudgetCounter struct {
	gorm.Model
	Scope         string    `gorm:"not null;uniqueIndex" json:"scope"` // e.g. global, daily
	Consumed      int       `gorm:"default:0" json:"consumed"`
	Limit         int       `gorm:"column:limit_value;not null" json:"limit"`
	WindowStart   time.Time `gorm:"not null" json:"window_start"`
	WindowSeconds int       `gorm:"not null" json:"window_seconds"`
}

// WebhookEvent dedupes asynchronous provider callbacks. The composite
// unique index makes duplicate webhook delivery a no-op.
type WebhookEvent struct {
	gorm.Model
	ProviderMessageID string    `gorm:"not null;uniqueIndex:idx_webhook_dedupe" json:"provider_message_id"`
	EventType         string    `gorm:"not null;uniqueIndex:idx_webhook_dedupe" json:"event_type"`
	OccurredAt        time.Time `json:"occurred_at"`
}
