package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripsend/config"
	"dripsend/engine"
	"dripsend/middleware"
	"dripsend/routes"
	"dripsend/utils"
	"dripsend/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "DRIPSEND: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Wire the engine
	suppression := engine.NewSuppressionRegistry(config.DB)
	limiter := engine.NewBudgetLimiter(config.DB)
	if err := limiter.Ensure(engine.DailyBudgetScope, config.AppConfig.DailyBudget, 24*time.Hour); err != nil {
		logger.Fatalf("Failed to initialize daily send budget: %v", err)
	}

	sender := buildSender()
	dispatcher := engine.NewDispatcher(config.DB, sender, limiter, suppression, engine.DispatcherConfig{
		BatchSize:   config.AppConfig.DispatchBatchSize,
		Workers:     config.AppConfig.DispatchWorkers,
		ClaimLease:  time.Duration(config.AppConfig.ClaimLeaseMinutes) * time.Minute,
		MaxAttempts: config.AppConfig.MaxSendAttempts,
		SendTimeout: time.Duration(config.AppConfig.SendTimeoutSeconds) * time.Second,
		RunBudget:   config.AppConfig.RunBudget,
	}, logrus.StandardLogger())

	manager := engine.NewEnrollmentManager(config.DB, suppression, log.New(os.Stdout, "ENROLL: ", log.LstdFlags))
	processor := engine.NewFeedbackProcessor(config.DB, suppression, log.New(os.Stdout, "FEEDBACK: ", log.LstdFlags))

	// Start the dispatch worker
	dispatchWorker := worker.NewDispatchWorker(dispatcher, config.AppConfig.DispatchInterval,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatchWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, routes.Engine{
		Manager:     manager,
		Dispatcher:  dispatcher,
		Processor:   processor,
		Suppression: suppression,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

func buildSender() engine.Sender {
	timeout := time.Duration(config.AppConfig.SendTimeoutSeconds) * time.Second
	if config.AppConfig.SenderKind == "smtp" {
		return utils.NewSMTPSender(
			config.AppConfig.SMTPHost,
			config.AppConfig.SMTPPort,
			config.AppConfig.SMTPUsername,
			config.AppConfig.SMTPPassword,
			config.AppConfig.FromEmail,
			config.AppConfig.FromName,
		)
	}
	return utils.NewProviderSender(
		config.AppConfig.ProviderURL,
		config.AppConfig.ProviderAPIKey,
		config.AppConfig.FromEmail,
		config.AppConfig.FromName,
		timeout,
	)
}
