package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the risk monitor.
type Config struct {
	Port string

	// Database
	DBPath string

	// Streaming connection
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxRetriesPerHost int
	PingInterval      time.Duration

	// Order status polling
	PollInterval       time.Duration
	PollRatePerAccount float64 // requests per second per account
	PollWorkers        int
	MaxPollFailures    int
	PollExpiryChecks   int
	PollExpiryAge      time.Duration

	// Account health probing
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	MaxProbeFailures int
	DeadProbeSkip    int // probe dead accounts once every N cycles

	// Risk evaluation
	ExitTimeout      time.Duration
	RiskEventHistory int

	// Trading window
	WindowInterval time.Duration
	PreOpenLead    time.Duration
	MarketTimezone string
	ScheduleFile   string

	// Status API
	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string // bcrypt hash of the operator password
	APIRateLimit     float64
	APIRateBurst     int
	RequestTimeout   time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("DB_PATH", "./data/riskwatch.db"),

		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 2*time.Second),
		BackoffCap:        getEnvDuration("BACKOFF_CAP", 60*time.Second),
		MaxRetriesPerHost: getEnvInt("MAX_RETRIES_PER_HOST", 3),
		PingInterval:      getEnvDuration("PING_INTERVAL", 30*time.Second),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 2*time.Second),
		PollRatePerAccount: getEnvFloat("POLL_RATE_PER_ACCOUNT", 1),
		PollWorkers:        getEnvInt("POLL_WORKERS", 4),
		MaxPollFailures:    getEnvInt("MAX_POLL_FAILURES", 5),
		PollExpiryChecks:   getEnvInt("POLL_EXPIRY_CHECKS", 30),
		PollExpiryAge:      getEnvDuration("POLL_EXPIRY_AGE", 5*time.Minute),

		ProbeInterval:    getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:     getEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		MaxProbeFailures: getEnvInt("MAX_PROBE_FAILURES", 3),
		DeadProbeSkip:    getEnvInt("DEAD_PROBE_SKIP", 10),

		ExitTimeout:      getEnvDuration("EXIT_TIMEOUT", 10*time.Second),
		RiskEventHistory: getEnvInt("RISK_EVENT_HISTORY", 50),

		WindowInterval: getEnvDuration("WINDOW_INTERVAL", 30*time.Second),
		PreOpenLead:    getEnvDuration("PRE_OPEN_LEAD", 15*time.Minute),
		MarketTimezone: getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
		ScheduleFile:   getEnv("SCHEDULE_FILE", "./configs/schedule.yaml"),

		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:     getEnv("OPERATOR_USER", "operator"),
		OperatorPassHash: getEnv("OPERATOR_PASS_HASH", ""),
		APIRateLimit:     getEnvFloat("API_RATE_LIMIT", 10),
		APIRateBurst:     getEnvInt("API_RATE_BURST", 20),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
