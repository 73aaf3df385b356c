package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"dripsend/engine"
	"dripsend/models"
	"dripsend/utils"
)

type DispatchController struct {
	DB         *gorm.DB
	Dispatcher *engine.Dispatcher
	Logger     *log.Logger
}

func NewDispatchController(db *gorm.DB, dispatcher *engine.Dispatcher, logger *log.Logger) *DispatchController {
	return &DispatchController{DB: db, Dispatcher: dispatcher, Logger: logger}
}

// TriggerRun is the external dispatch trigger. The batch is bounded by the
// dispatcher's own configuration, so the run finishes well within caller
// timeouts and the report is returned synchronously. Overlap with the
// ticker-driven run is safe - claims arbitrate.
func (dc *DispatchController) TriggerRun(c *fiber.Ctx) error {
	report, err := dc.Dispatcher.RunOnce(c.Context())
	if err != nil {
		dc.Logger.Printf("Manual dispatch run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Dispatch run failed",
		})
	}
	return c.JSON(utils.SuccessResponse(report))
}

// GetAttempts returns the dispatch ledger for one enrollment, oldest first.
func (dc *DispatchController) GetAttempts(c *fiber.Ctx) error {
	var enrollment models.Enrollment
	if err := dc.DB.Where("public_id = ?", c.Params("id")).First(&enrollment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}

	var attempts []models.DispatchAttempt
	if err := dc.DB.Where("enrollment_id = ?", enrollment.ID).
		Order("attempted_at ASC").Find(&attempts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch attempts",
		})
	}
	return c.JSON(utils.SuccessResponse(attempts))
}
