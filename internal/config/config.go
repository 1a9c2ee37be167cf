package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRulesHolder),
)

// Config holds application configuration.
type Config struct {
	AppName        string
	AppVersion     string
	Environment    string
	HTTPAddr       string
	SubscriberName string
	AdminToken     string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	AWS       AWSConfig
	Sync      SyncConfig
	Billing   BillingConfig
	Payment   PaymentConfig
	Scheduler SchedulerConfig
	OpsPush   OpsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type AWSConfig struct {
	Enabled      bool
	SyncQueueURL string
}

// SyncConfig bounds delivery calls and the retry window of the dispatcher.
type SyncConfig struct {
	DeliveryTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BackoffJitter   float64
	Lease           time.Duration
	BatchSize       int
}

type BillingConfig struct {
	InvoiceDueDays int
	RetryInterval  time.Duration
	MaxRetries     int
	GatewayTimeout time.Duration
	// DraftGrace is how long a recurring invoice may stay draft before the
	// scan submits it again.
	DraftGrace time.Duration
}

type PaymentConfig struct {
	CallbackRate     float64
	CallbackBurst    int
	RematchWindow    time.Duration
	ConflictTries    uint
	RequireSignature bool

	// InitiatedTopicARN receives the payment initiation contract. Empty logs only.
	InitiatedTopicARN string
}

type SchedulerConfig struct {
	RunInterval time.Duration
	EnabledJobs []string
}

// OpsPushConfig configures pushing operational backlog metrics to a remote collector.
type OpsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:        getenv("APP_SERVICE", "bookline"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Environment:    environment,
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		SubscriberName: strings.TrimSpace(getenv("SUBSCRIBER_NAME", "billing")),
		AdminToken:     strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "bookline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Enabled:      getenvBool("AWS_ENABLED", false),
			SyncQueueURL: strings.TrimSpace(getenv("SYNC_QUEUE_URL", "")),
		},
		Sync: SyncConfig{
			DeliveryTimeout: getenvDuration("SYNC_DELIVERY_TIMEOUT", 5*time.Second),
			MaxAttempts:     getenvInt("SYNC_MAX_ATTEMPTS", 5),
			BackoffBase:     getenvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
			BackoffCap:      getenvDuration("SYNC_BACKOFF_CAP", 60*time.Second),
			BackoffJitter:   getenvFloat("SYNC_BACKOFF_JITTER", 0.2),
			Lease:           getenvDuration("SYNC_LEASE", 30*time.Second),
			BatchSize:       getenvInt("SYNC_BATCH_SIZE", 100),
		},
		Billing: BillingConfig{
			InvoiceDueDays: getenvInt("INVOICE_DUE_DAYS", 7),
			RetryInterval:  getenvDuration("BILLING_RETRY_INTERVAL", 24*time.Hour),
			MaxRetries:     getenvInt("BILLING_MAX_RETRIES", 3),
			GatewayTimeout: getenvDuration("PAYMENT_GATEWAY_TIMEOUT", 5*time.Second),
			DraftGrace:     getenvDuration("BILLING_DRAFT_GRACE", 15*time.Minute),
		},
		Payment: PaymentConfig{
			CallbackRate:     getenvFloat("CALLBACK_RATE", 50),
			CallbackBurst:    getenvInt("CALLBACK_BURST", 100),
			RematchWindow:    getenvDuration("CALLBACK_REMATCH_WINDOW", 72*time.Hour),
			ConflictTries:    uint(getenvInt("PAYMENT_CONFLICT_TRIES", 5)),
			RequireSignature: getenvBool("CALLBACK_REQUIRE_SIGNATURE", environment == "production"),

			InitiatedTopicARN: strings.TrimSpace(getenv("PAYMENT_INITIATED_TOPIC_ARN", "")),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		OpsPush: OpsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("OPS_METRICS_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("OPS_METRICS_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("OPS_METRICS_AUTH_TOKEN", "")),
			Interval:  getenvDuration("OPS_METRICS_INTERVAL", 5*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
