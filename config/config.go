package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dripsend/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	JWTSecret      string `json:"-"`
	SentryDSN      string `json:"-"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// Dispatch engine
	DispatchInterval    time.Duration `json:"dispatch_interval"`
	DispatchBatchSize   int           `json:"dispatch_batch_size"`
	DispatchWorkers     int           `json:"dispatch_workers"`
	ClaimLeaseMinutes   int           `json:"claim_lease_minutes"`
	MaxSendAttempts     int           `json:"max_send_attempts"`
	SendTimeoutSeconds  int           `json:"send_timeout_seconds"`
	RunBudget           int           `json:"run_budget"`
	DailyBudget         int           `json:"daily_budget"`
	RateLimitWebhook    int           `json:"rate_limit_webhook"`

	// Outbound transport
	SenderKind        string `json:"sender_kind"` // http or smtp
	ProviderURL       string `json:"provider_url"`
	ProviderAPIKey    string `json:"-"`
	SMTPHost          string `json:"smtp_host"`
	SMTPPort          int    `json:"smtp_port"`
	SMTPUsername      string `json:"smtp_username"`
	SMTPPassword      string `json:"-"`
	FromEmail         string `json:"from_email"`
	FromName          string `json:"from_name"`

	Redis RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripsend"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		DispatchInterval:   time.Duration(getEnvAsInt("DISPATCH_INTERVAL_MINUTES", 5)) * time.Minute,
		DispatchBatchSize:  getEnvAsInt("DISPATCH_BATCH_SIZE", 100),
		DispatchWorkers:    getEnvAsInt("DISPATCH_WORKERS", 4),
		ClaimLeaseMinutes:  getEnvAsInt("CLAIM_LEASE_MINUTES", 10),
		MaxSendAttempts:    getEnvAsInt("MAX_SEND_ATTEMPTS", 3),
		SendTimeoutSeconds: getEnvAsInt("SEND_TIMEOUT_SECONDS", 10),
		RunBudget:          getEnvAsInt("RUN_BUDGET", 500),
		DailyBudget:        getEnvAsInt("DAILY_BUDGET", 2000),
		RateLimitWebhook:   getEnvAsInt("RATE_LIMIT_WEBHOOK", 120),

		SenderKind:     getEnv("SENDER_KIND", "http"),
		ProviderURL:    getEnv("PROVIDER_URL", ""),
		ProviderAPIKey: getEnv("PROVIDER_API_KEY", ""),
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		FromEmail:      getEnv("FROM_EMAIL", "outreach@example.com"),
		FromName:       getEnv("FROM_NAME", "Outreach"),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.SenderKind == "http" && AppConfig.ProviderURL == "" && AppConfig.Environment == "production" {
		return fmt.Errorf("PROVIDER_URL is required for the http sender in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB migrates every persisted shape the engine relies on. Exported so
// tests can run the same migration against an in-memory database.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Recipient{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.DispatchAttempt{},
		&models.SuppressionEntry{},
		&models.BudgetCounter{},
		&models.WebhookEvent{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Dispatch: every %s, batch %d, %d workers, lease %dm",
		AppConfig.DispatchInterval,
		AppConfig.DispatchBatchSize,
		AppConfig.DispatchWorkers,
		AppConfig.ClaimLeaseMinutes)
}
