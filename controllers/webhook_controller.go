package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"dripsend/engine"
	"dripsend/utils"
)

type WebhookController struct {
	DB        *gorm.DB
	Processor *engine.FeedbackProcessor
	Logger    *log.Logger
}

func NewWebhookController(db *gorm.DB, processor *engine.FeedbackProcessor, logger *log.Logger) *WebhookController {
	return &WebhookController{DB: db, Processor: processor, Logger: logger}
}

// HandleProviderWebhook processes delivery events (delivered, bounced,
// complained, opened, clicked) from the mail provider. Duplicate delivery
// of the same event is acknowledged with 200 so the provider stops
// retrying.
func (wc *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	var input struct {
		ProviderMessageID string `json:"provider_message_id" validate:"required"`
		EventType         string `json:"event_type" validate:"required"`
		Timestamp         int64  `json:"timestamp"`
		Detail            string `json:"detail"`
	}
	if err := c.BodyParser(&input); err != nil {
		wc.Logger.Printf("Error parsing webhook body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	event := engine.FeedbackEvent{
		ProviderMessageID: input.ProviderMessageID,
		EventType:         input.EventType,
		Detail:            input.Detail,
	}
	if input.Timestamp > 0 {
		event.OccurredAt = time.Unix(input.Timestamp, 0)
	}

	err := wc.Processor.Process(event)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"message": "Event processed"})
	case errors.Is(err, engine.ErrDuplicateEvent):
		return c.JSON(fiber.Map{"message": "Event already processed"})
	case errors.Is(err, engine.ErrUnknownMessage):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown provider message id",
		})
	case errors.Is(err, engine.ErrUnknownEvent):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown event type",
		})
	default:
		wc.Logger.Printf("Webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process event",
		})
	}
}
