package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"dripsend/engine"
	"dripsend/models"
	"dripsend/utils"
)

type SuppressionController struct {
	DB       *gorm.DB
	Registry *engine.SuppressionRegistry
	Logger   *log.Logger
}

func NewSuppressionController(db *gorm.DB, registry *engine.SuppressionRegistry, logger *log.Logger) *SuppressionController {
	return &SuppressionController{DB: db, Registry: registry, Logger: logger}
}

func (sc *SuppressionController) ListSuppressions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	page := c.QueryInt("page", 1)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}

	entries, total, err := sc.Registry.List(limit, (page-1)*limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch suppressions",
		})
	}
	return c.JSON(utils.PaginatedResponse{
		Data:  entries,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// AddSuppression creates a manual suppression entry.
func (sc *SuppressionController) AddSuppression(c *fiber.Ctx) error {
	var input struct {
		Email  string `json:"email" validate:"required,email"`
		Detail string `json:"detail"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := sc.Registry.Add(input.Email, models.SuppressionManual, "admin", input.Detail); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add suppression",
		})
	}
	sc.Logger.Printf("Manual suppression added for %s", input.Email)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Suppression added"})
}

// RemoveSuppression deletes manual entries only. Automated suppressions
// (bounce, complaint, unsubscribe) are permanent and are never removed
// through the API.
func (sc *SuppressionController) RemoveSuppression(c *fiber.Ctx) error {
	email := c.Params("email")
	removed, err := sc.Registry.RemoveManual(email)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to remove suppression",
		})
	}
	if removed == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No manual suppression entry for this address",
		})
	}
	sc.Logger.Printf("Manual suppression removed for %s", email)
	return c.JSON(fiber.Map{"message": "Manual suppression removed"})
}
