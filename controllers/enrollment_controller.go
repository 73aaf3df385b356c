package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"dripsend/engine"
	"dripsend/models"
	"dripsend/utils"
)

type EnrollmentController struct {
	DB      *gorm.DB
	Manager *engine.EnrollmentManager
	Logger  *log.Logger
}

func NewEnrollmentController(db *gorm.DB, manager *engine.EnrollmentManager, logger *log.Logger) *EnrollmentController {
	return &EnrollmentController{DB: db, Manager: manager, Logger: logger}
}

// CreateEnrollment is the external enrollment trigger (signup, tag, manual
// action).
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var input engine.EnrollInput
	if err := c.BodyParser(&input); err != nil {
		ec.Logger.Printf("Error parsing request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if input.Source == "" {
		input.Source = "api"
	}

	enrollment, err := ec.Manager.Enroll(input)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyEnrolled):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Recipient already has a live enrollment in this sequence",
			})
		case errors.Is(err, engine.ErrRecipientSuppressed):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Recipient is suppressed",
			})
		case errors.Is(err, engine.ErrSequenceNotActive), errors.Is(err, engine.ErrSequenceEmpty):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			ec.Logger.Printf("Enroll failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create enrollment",
			})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.Manager.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}

func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, ec.Manager.Cancel, "Enrollment cancelled")
}

func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, ec.Manager.Pause, "Enrollment paused")
}

func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	return ec.transition(c, ec.Manager.Resume, "Enrollment resumed")
}

func (ec *EnrollmentController) transition(c *fiber.Ctx, fn func(string) (*models.Enrollment, error), message string) error {
	enrollment, err := fn(c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEnrollmentNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Enrollment not found",
			})
		case errors.Is(err, engine.ErrEnrollmentTerminal):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Enrollment is in a terminal state and cannot be reopened",
			})
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{
		"message": message,
		"state":   enrollment.State,
	})
}
