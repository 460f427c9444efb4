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

	"mailpulse/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type PersonalizerConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"-"`
	Model   string `json:"model"`
}

type Config struct {
	Environment   string `json:"environment"`
	ServerPort    string `json:"server_port"`
	EncryptionKey string `json:"-"`
	JWTSecret     string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis        RedisConfig        `json:"redis"`
	Personalizer PersonalizerConfig `json:"personalizer"`

	// Outbound identity used for verifier probes and tracking links
	HelloHost       string `json:"hello_host"`
	ProbeFromEmail  string `json:"probe_from_email"`
	TrackingBaseURL string `json:"tracking_base_url"`

	// Worker cadence
	SchedulerTickSec int `json:"scheduler_tick_sec"`
	FollowUpTickSec  int `json:"follow_up_tick_sec"`
	WarmupTickSec    int `json:"warmup_tick_sec"`
	ReplyScanSec     int `json:"reply_scan_sec"`
	MaxWorkers       int `json:"max_workers"`

	RateLimitVerify int `json:"rate_limit_verify"`
}

func init() {
	// Try to load .env, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		ServerPort:    getEnv("SERVER_PORT", "5000"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailpulse"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Personalizer: PersonalizerConfig{
			BaseURL: getEnv("PERSONALIZER_BASE_URL", ""),
			APIKey:  getEnv("PERSONALIZER_API_KEY", ""),
			Model:   getEnv("PERSONALIZER_MODEL", ""),
		},

		HelloHost:       getEnv("HELLO_HOST", "verify.mailpulse.io"),
		ProbeFromEmail:  getEnv("PROBE_FROM_EMAIL", "noreply@mailpulse.io"),
		TrackingBaseURL: getEnv("TRACKING_BASE_URL", "http://localhost:5000"),

		SchedulerTickSec: getEnvAsInt("SCHEDULER_TICK_SEC", 15),
		FollowUpTickSec:  getEnvAsInt("FOLLOW_UP_TICK_SEC", 300),
		WarmupTickSec:    getEnvAsInt("WARMUP_TICK_SEC", 60),
		ReplyScanSec:     getEnvAsInt("REPLY_SCAN_SEC", 300),
		MaxWorkers:       getEnvAsInt("MAX_WORKERS", 16),

		RateLimitVerify: getEnvAsInt("RATE_LIMIT_VERIFY", 30),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
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

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
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
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Personalizer configured: %t", AppConfig.Personalizer.APIKey != "")
}

func migrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Plan{},
		&models.UsageTracking{},
		&models.Sender{},
		&models.WarmupProgress{},
		&models.WarmupStats{},
		&models.LeadList{},
		&models.Lead{},
		&models.Campaign{},
		&models.CampaignSender{},
		&models.CampaignEmail{},
		&models.FollowUp{},
		&models.EmailVerification{},
		&models.VerificationResult{},
	); err != nil {
		return err
	}

	return models.CreateDefaultPlans(db)
}
