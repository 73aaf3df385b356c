package models

import "gorm.io/gorm"

// Suppression reasons
const (
	SuppressionUnsubscribed       = "unsubscribed"
	SuppressionBouncedHard        = "bounced_hard"
	SuppressionBouncedSoftStreak  = "bounced_soft_threshold"
	SuppressionComplaint          = "complaint"
	SuppressionManual             = "manual"
)

// SuppressionEntry is a durable, cross-sequence block on sending to an
// address. Presence of any entry makes every future send a no-op.
type SuppressionEntry struct {
	gorm.Model
	Email  string `gorm:"not null;index" json:"email"`
	Reason string `gorm:"not null" json:"reason"`
	Source string `json:"source"` // webhook, dispatch, admin

	Detail string `json:"detail"` // provider diagnostic, if any
}
