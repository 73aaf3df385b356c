package engine

import (
	"strings"

	"gorm.io/gorm"

	"dripsend/models"
)

// SuppressionRegistry is the authoritative set of addresses that must never
// receive a message. Checks are always a fresh read; the feedback processor
// can add entries between the start and end of a dispatch run and the very
// next send must honor them.
type SuppressionRegistry struct {
	DB *gorm.DB
}

func NewSuppressionRegistry(db *gorm.DB) *SuppressionRegistry {
	return &SuppressionRegistry{DB: db}
}

// IsSuppressed reports whether any entry exists for the address. Never
// cached across calls.
func (sr *SuppressionRegistry) IsSuppressed(email string) (bool, error) {
	var count int64
	err := sr.DB.Model(&models.SuppressionEntry{}).
		Where("email = ?", normalizeEmail(email)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Add records a suppression. Adding an already-suppressed address is a
// no-op so webhook retries and concurrent dispatch runs stay idempotent.
func (sr *SuppressionRegistry) Add(email, reason, source, detail string) error {
	email = normalizeEmail(email)

	suppressed, err := sr.IsSuppressed(email)
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	return sr.DB.Create(&models.SuppressionEntry{
		Email:  email,
		Reason: reason,
		Source: source,
		Detail: detail,
	}).Error
}

// RemoveManual deletes manually created entries for an address. Automated
// entries (bounce, complaint, unsubscribe) are never removed by code paths;
// there is deliberately no API for it.
func (sr *SuppressionRegistry) RemoveManual(email string) (int64, error) {
	res := sr.DB.Where("email = ? AND reason = ?", normalizeEmail(email), models.SuppressionManual).
		Delete(&models.SuppressionEntry{})
	return res.RowsAffected, res.Error
}

// List returns entries, newest first, for the admin surface.
func (sr *SuppressionRegistry) List(limit, offset int) ([]models.SuppressionEntry, int64, error) {
	var entries []models.SuppressionEntry
	var total int64

	if err := sr.DB.Model(&models.SuppressionEntry{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := sr.DB.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
