package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripsend/models"
)

// Provider event types accepted by the feedback webhook.
const (
	EventDelivered  = "delivered"
	EventBounced    = "bounced"
	EventSoftBounce = "soft_bounced"
	EventComplained = "complained"
	EventOpened     = "opened"
	EventClicked    = "clicked"
	EventUnsubscribed = "unsubscribed"
)

// SoftBounceThreshold is the number of consecutive soft bounces that
// suppresses an address. A single transient soft bounce never does.
const SoftBounceThreshold = 3

var (
	ErrDuplicateEvent = errors.New("event already processed")
	ErrUnknownMessage = errors.New("no dispatch attempt for provider message id")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// FeedbackEvent is one asynchronous provider callback.
type FeedbackEvent struct {
	ProviderMessageID string    `json:"provider_message_id" validate:"required"`
	EventType         string    `json:"event_type" validate:"required"`
	OccurredAt        time.Time `json:"occurred_at"`
	Detail            string    `json:"detail"`
}

// FeedbackProcessor consumes provider delivery events, maps them back to
// the originating enrollment through the dispatch ledger and feeds the
// suppression registry and engagement counters.
type FeedbackProcessor struct {
	DB          *gorm.DB
	Suppression *SuppressionRegistry
	Logger      *log.Logger
	Threshold   int
}

func NewFeedbackProcessor(db *gorm.DB, suppression *SuppressionRegistry, logger *log.Logger) *FeedbackProcessor {
	return &FeedbackProcessor{
		DB:          db,
		Suppression: suppression,
		Logger:      logger,
		Threshold:   SoftBounceThreshold,
	}
}

// Process handles one event. Duplicate webhook delivery is detected through
// the (provider_message_id, event_type) ledger and returns
// ErrDuplicateEvent without side effects.
func (fp *FeedbackProcessor) Process(event FeedbackEvent) error {
	switch event.EventType {
	case EventDelivered, EventBounced, EventSoftBounce, EventComplained, EventOpened, EventClicked, EventUnsubscribed:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event.EventType)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	// Dedupe first. The conflict target is the composite unique index; a
	// second delivery of the same event inserts nothing.
	res := fp.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.WebhookEvent{
		ProviderMessageID: event.ProviderMessageID,
		EventType:         event.EventType,
		OccurredAt:        event.OccurredAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEvent
	}

	// Map back to (enrollment, step) via the dispatch ledger.
	var attempt models.DispatchAttempt
	err := fp.DB.
		Where("provider_message_id = ? AND outcome = ?", event.ProviderMessageID, models.OutcomeSent).
		First(&attempt).Error
	if err == gorm.ErrRecordNotFound {
		return ErrUnknownMessage
	}
	if err != nil {
		return err
	}

	var enrollment models.Enrollment
	if err := fp.DB.Preload("Recipient").First(&enrollment, attempt.EnrollmentID).Error; err != nil {
		return err
	}
	recipient := enrollment.Recipient

	switch event.EventType {
	case EventDelivered:
		// A successful delivery breaks a soft-bounce streak.
		return fp.DB.Model(&recipient).Update("soft_bounce_streak", 0).Error

	case EventBounced:
		fp.Logger.Printf("Hard bounce for %s (message %s)", recipient.Email, event.ProviderMessageID)
		return fp.Suppression.Add(recipient.Email, models.SuppressionBouncedHard, "webhook", event.Detail)

	case EventComplained:
		fp.Logger.Printf("Complaint for %s (message %s)", recipient.Email, event.ProviderMessageID)
		return fp.Suppression.Add(recipient.Email, models.SuppressionComplaint, "webhook", event.Detail)

	case EventUnsubscribed:
		return fp.Suppression.Add(recipient.Email, models.SuppressionUnsubscribed, "webhook", event.Detail)

	case EventSoftBounce:
		streak := recipient.SoftBounceStreak + 1
		if err := fp.DB.Model(&recipient).Update("soft_bounce_streak", streak).Error; err != nil {
			return err
		}
		if streak >= fp.Threshold {
			fp.Logger.Printf("Soft bounce streak hit %d for %s, suppressing", streak, recipient.Email)
			return fp.Suppression.Add(recipient.Email, models.SuppressionBouncedSoftStreak, "webhook", event.Detail)
		}
		return nil

	case EventOpened:
		// Engagement only; never touches enrollment state.
		return fp.DB.Model(&recipient).Updates(map[string]interface{}{
			"open_count":     gorm.Expr("open_count + ?", 1),
			"last_opened_at": event.OccurredAt,
		}).Error

	case EventClicked:
		return fp.DB.Model(&recipient).Updates(map[string]interface{}{
			"click_count":     gorm.Expr("click_count + ?", 1),
			"last_clicked_at": event.OccurredAt,
		}).Error
	}

	return nil
}
