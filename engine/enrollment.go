package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"dripsend/models"
)

var (
	ErrSequenceNotActive   = errors.New("sequence is not active")
	ErrSequenceEmpty       = errors.New("sequence has no steps")
	ErrAlreadyEnrolled     = errors.New("recipient already has a live enrollment in this sequence")
	ErrRecipientSuppressed = errors.New("recipient is suppressed")
	ErrEnrollmentTerminal  = errors.New("enrollment is in a terminal state")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
)

// EnrollmentManager creates and controls enrollments. Outside the dispatch
// loop and the feedback processor it is the only writer of enrollment state
// transitions.
type EnrollmentManager struct {
	DB          *gorm.DB
	Suppression *SuppressionRegistry
	Logger      *log.Logger
	Now         func() time.Time
}

func NewEnrollmentManager(db *gorm.DB, suppression *SuppressionRegistry, logger *log.Logger) *EnrollmentManager {
	return &EnrollmentManager{
		DB:          db,
		Suppression: suppression,
		Logger:      logger,
		Now:         time.Now,
	}
}

// EnrollInput is the external enrollment trigger payload.
type EnrollInput struct {
	Email      string `json:"email" validate:"required,email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company"`
	Timezone   string `json:"timezone" validate:"timezone_name"`
	SequenceID uint   `json:"sequence_id" validate:"required"`
	Source     string `json:"source"`
}

// Enroll creates a new enrollment for a recipient in an active sequence,
// creating the recipient record on first contact. The first step's due time
// is derived from the enrollment instant, so a zero-delay step is due
// immediately.
func (em *EnrollmentManager) Enroll(input EnrollInput) (*models.Enrollment, error) {
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return nil, fmt.Errorf("invalid recipient email: %w", err)
	}

	suppressed, err := em.Suppression.IsSuppressed(input.Email)
	if err != nil {
		return nil, err
	}
	if suppressed {
		return nil, ErrRecipientSuppressed
	}

	var sequence models.Sequence
	if err := em.DB.Preload("Steps").First(&sequence, input.SequenceID).Error; err != nil {
		return nil, fmt.Errorf("sequence %d: %w", input.SequenceID, err)
	}
	if sequence.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotActive
	}
	if len(sequence.Steps) == 0 {
		return nil, ErrSequenceEmpty
	}

	recipient, err := em.findOrCreateRecipient(input)
	if err != nil {
		return nil, err
	}

	// One live enrollment per recipient per sequence; a finished one can be
	// followed by a fresh enrollment.
	var live int64
	err = em.DB.Model(&models.Enrollment{}).
		Where("recipient_id = ? AND sequence_id = ? AND state IN ?",
			recipient.ID, sequence.ID,
			[]string{models.EnrollmentStatePending, models.EnrollmentStateActive, models.EnrollmentStatePaused}).
		Count(&live).Error
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, ErrAlreadyEnrolled
	}

	now := em.Now()
	steps := SortSteps(sequence.Steps)
	firstDue := now.Add(steps[0].Delay())

	enrollment := models.Enrollment{
		PublicID:         uuid.NewString(),
		RecipientID:      recipient.ID,
		SequenceID:       sequence.ID,
		CurrentStepIndex: -1,
		State:            models.EnrollmentStateActive,
		EnrolledAt:       now,
		NextDueAt:        &firstDue,
		Source:           input.Source,
	}

	if err := em.DB.Create(&enrollment).Error; err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	em.Logger.Printf("Enrolled recipient %d in sequence %d (enrollment %s, first step due %s)",
		recipient.ID, sequence.ID, enrollment.PublicID, firstDue.Format(time.RFC3339))
	return &enrollment, nil
}

// Get loads an enrollment by its public id.
func (em *EnrollmentManager) Get(publicID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := em.DB.Preload("Recipient").Where("public_id = ?", publicID).First(&enrollment).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// Cancel moves an enrollment to the cancelled terminal state. A dispatch
// run that already claimed it finishes its current attempt but schedules
// nothing further.
func (em *EnrollmentManager) Cancel(publicID string) (*models.Enrollment, error) {
	return em.transition(publicID, models.EnrollmentStateCancelled,
		models.EnrollmentStatePending, models.EnrollmentStateActive, models.EnrollmentStatePaused)
}

// Pause suspends an active enrollment. Paused is not terminal; Resume
// reactivates it with NextDueAt untouched, so overdue steps catch up on the
// next run.
func (em *EnrollmentManager) Pause(publicID string) (*models.Enrollment, error) {
	return em.transition(publicID, models.EnrollmentStatePaused,
		models.EnrollmentStatePending, models.EnrollmentStateActive)
}

// Resume reactivates a paused enrollment.
func (em *EnrollmentManager) Resume(publicID string) (*models.Enrollment, error) {
	return em.transition(publicID, models.EnrollmentStateActive, models.EnrollmentStatePaused)
}

func (em *EnrollmentManager) transition(publicID, to string, from ...string) (*models.Enrollment, error) {
	enrollment, err := em.Get(publicID)
	if err != nil {
		return nil, err
	}
	if enrollment.IsTerminal() {
		return nil, ErrEnrollmentTerminal
	}

	allowed := false
	for _, s := range from {
		if enrollment.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("cannot move enrollment from %s to %s", enrollment.State, to)
	}

	if err := em.DB.Model(enrollment).Update("state", to).Error; err != nil {
		return nil, err
	}
	enrollment.State = to
	em.Logger.Printf("Enrollment %s -> %s", publicID, to)
	return enrollment, nil
}

func (em *EnrollmentManager) findOrCreateRecipient(input EnrollInput) (*models.Recipient, error) {
	var recipient models.Recipient
	err := em.DB.Where("email = ?", normalizeEmail(input.Email)).First(&recipient).Error
	if err == nil {
		return &recipient, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	recipient = models.Recipient{
		Email:     normalizeEmail(input.Email),
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Company:   input.Company,
		Source:    input.Source,
	}
	if input.Timezone != "" {
		if _, err := time.LoadLocation(input.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", input.Timezone, err)
		}
		recipient.Timezone = input.Timezone
	}
	if err := em.DB.Create(&recipient).Error; err != nil {
		return nil, fmt.Errorf("failed to create recipient: %w", err)
	}
	return &recipient, nil
}
