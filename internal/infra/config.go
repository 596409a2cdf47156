package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
// The same config feeds both the API and the worker binaries.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	StoragePath    string
	StorageBaseURL string

	// Admission.
	VideoJobCost       int
	UserConcurrencyCap int
	RefundOnFailure    bool

	// Worker pool.
	WorkerPoolSize    int
	QueuePollInterval time.Duration
	StaleRunningAfter time.Duration
	SweepInterval     time.Duration

	// Generation adapter.
	VeoAPIKey         string
	VeoBaseURL        string
	VeoPollInterval   time.Duration
	VeoMaxRetries     int
	GenerationTimeout time.Duration

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		VideoJobCost:       getEnvInt("VIDEO_JOB_COST", 50),
		UserConcurrencyCap: getEnvInt("USER_CONCURRENCY_CAP", 3),
		RefundOnFailure:    getEnvBool("REFUND_ON_FAILURE", false),

		WorkerPoolSize:    getEnvInt("WORKER_POOL_SIZE", 4),
		QueuePollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
		StaleRunningAfter: getEnvDuration("STALE_RUNNING_AFTER", 15*time.Minute),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),

		VeoAPIKey:         os.Getenv("VEO_API_KEY"),
		VeoBaseURL:        getEnv("VEO_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		VeoPollInterval:   getEnvDuration("VEO_POLL_INTERVAL", 10*time.Second),
		VeoMaxRetries:     getEnvInt("VEO_MAX_RETRIES", 3),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 10*time.Minute),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.VideoJobCost <= 0 {
		return nil, fmt.Errorf("VIDEO_JOB_COST must be positive")
	}

	if cfg.UserConcurrencyCap <= 0 {
		return nil, fmt.Errorf("USER_CONCURRENCY_CAP must be positive")
	}

	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
