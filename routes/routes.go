package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "dripsend/controllers"
	"dripsend/engine"
	"dripsend/middleware"
)

// Engine bundles the wired engine components the HTTP surface exposes.
type Engine struct {
	Manager     *engine.EnrollmentManager
	Dispatcher  *engine.Dispatcher
	Processor   *engine.FeedbackProcessor
	Suppression *engine.SuppressionRegistry
}

func SetupRoutes(app *fiber.App, db *gorm.DB, eng Engine) {
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	enrollmentController := controller.NewEnrollmentController(db, eng.Manager, log.New(os.Stdout, "ENROLL: ", log.LstdFlags))
	dispatchController := controller.NewDispatchController(db, eng.Dispatcher, log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	suppressionController := controller.NewSuppressionController(db, eng.Suppression, log.New(os.Stdout, "SUPPRESS: ", log.LstdFlags))
	webhookController := controller.NewWebhookController(db, eng.Processor, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))

	// Provider feedback webhook: public but rate limited; dedupe makes
	// provider retries harmless.
	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhooks.Post("/provider", middleware.WebhookRateLimiter(), webhookController.HandleProviderWebhook)

	// Admin/service API, token protected
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Get("/:id/preview", sequenceController.PreviewSchedule)
	sequences.Post("/:id/activate", sequenceController.ActivateSequence)
	sequences.Post("/:id/pause", sequenceController.PauseSequence)

	enrollments := api.Group("/enrollments")
	enrollments.Post("/", enrollmentController.CreateEnrollment)
	enrollments.Get("/:id", enrollmentController.GetEnrollment)
	enrollments.Get("/:id/attempts", dispatchController.GetAttempts)
	enrollments.Post("/:id/cancel", enrollmentController.CancelEnrollment)
	enrollments.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollments.Post("/:id/resume", enrollmentController.ResumeEnrollment)

	suppressions := api.Group("/suppressions")
	suppressions.Get("/", suppressionController.ListSuppressions)
	suppressions.Post("/", suppressionController.AddSuppression)
	suppressions.Delete("/:email", middleware.AdminOnly(), suppressionController.RemoveSuppression)

	// External scheduler hook; also covered by the in-process ticker.
	api.Post("/dispatch/run", dispatchController.TriggerRun)
}
