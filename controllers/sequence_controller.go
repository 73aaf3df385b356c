package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"dripsend/engine"
	"dripsend/models"
	"dripsend/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSequenceController(db *gorm.DB, logger *log.Logger) *SequenceController {
	return &SequenceController{DB: db, Logger: logger}
}

type sequenceStepInput struct {
	StepNumber  int    `json:"step_number" validate:"min=0"`
	DelayHours  int    `json:"delay_hours" validate:"min=0"`
	TemplateRef string `json:"template_ref" validate:"required"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Condition   string `json:"condition" validate:"omitempty,oneof=opened clicked not_opened"`
}

// CreateSequence creates a draft sequence with its ordered steps. Delays
// are offsets from enrollment start, not gaps between steps.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name        string              `json:"name" validate:"required"`
		Description string              `json:"description"`
		Steps       []sequenceStepInput `json:"steps"`
	}

	if err := c.BodyParser(&input); err != nil {
		sc.Logger.Printf("Error parsing request body: %v", err)
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
	for _, step := range input.Steps {
		if err := utils.ValidateStruct(step); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	sequence := models.Sequence{
		Name:        input.Name,
		Description: input.Description,
		Status:      models.SequenceStatusDraft,
	}
	for i, step := range input.Steps {
		number := step.StepNumber
		if number == 0 && i > 0 {
			number = i
		}
		sequence.Steps = append(sequence.Steps, models.SequenceStep{
			StepNumber:  number,
			DelayHours:  step.DelayHours,
			TemplateRef: step.TemplateRef,
			Subject:     step.Subject,
			Body:        step.Body,
			Condition:   step.Condition,
		})
	}

	if err := sc.DB.Create(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

// GetSequences lists sequences with their steps.
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	var sequences []models.Sequence
	if err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	sequence, err := sc.findSequence(c)
	if err != nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// ActivateSequence moves a sequence to active so enrollments can be
// created against it. An empty sequence cannot be activated.
func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	sequence, err := sc.findSequence(c)
	if err != nil {
		return err
	}
	if len(sequence.Steps) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot activate a sequence with no steps",
		})
	}

	if err := sc.DB.Model(sequence).Update("status", models.SequenceStatusActive).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to activate sequence",
		})
	}
	sc.Logger.Printf("Sequence %d activated", sequence.ID)
	return c.JSON(fiber.Map{"message": "Sequence activated"})
}

// PauseSequence pauses new sends for a sequence. In-flight enrollments keep
// their schedule; pausing only blocks new enrollment creation.
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	sequence, err := sc.findSequence(c)
	if err != nil {
		return err
	}
	if sequence.Status != models.SequenceStatusActive {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Sequence is not active",
		})
	}

	if err := sc.DB.Model(sequence).Update("status", models.SequenceStatusPaused).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause sequence",
		})
	}
	return c.JSON(fiber.Map{"message": "Sequence paused"})
}

// PreviewSchedule shows the computed due times for a hypothetical
// enrollment starting now. Read-only; the scheduler is pure so this is safe
// to call against live data.
func (sc *SequenceController) PreviewSchedule(c *fiber.Ctx) error {
	sequence, err := sc.findSequence(c)
	if err != nil {
		return err
	}

	enrollment := models.Enrollment{CurrentStepIndex: -1, EnrolledAt: c.Context().Time()}
	steps := engine.SortSteps(sequence.Steps)

	type stepPreview struct {
		StepNumber  int    `json:"step_number"`
		TemplateRef string `json:"template_ref"`
		DueAt       string `json:"due_at"`
	}
	preview := make([]stepPreview, 0, len(steps))
	for {
		sched := engine.NextStep(&enrollment, steps)
		if sched.Completed {
			break
		}
		preview = append(preview, stepPreview{
			StepNumber:  sched.Step.StepNumber,
			TemplateRef: sched.Step.TemplateRef,
			DueAt:       sched.DueAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
		enrollment.CurrentStepIndex = sched.StepIndex
	}

	return c.JSON(utils.SuccessResponse(preview))
}

func (sc *SequenceController) findSequence(c *fiber.Ctx) (*models.Sequence, error) {
	var sequence models.Sequence
	if err := sc.DB.Preload("Steps").First(&sequence, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	return &sequence, nil
}
