package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Observability ObservabilityConfig

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

	Gateway   GatewayConfig
	Checkout  CheckoutConfig
	FreeJoin  FreeJoinConfig
	RateLimit RateLimitConfig
	Relay     RelayConfig
	Jobs      JobsConfig

	// PricingConfigPath is the directory searched for pricing.yml.
	PricingConfigPath string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

type GatewayConfig struct {
	Provider             string
	SecretKey            string
	WebhookSecret        string
	ConnectWebhookSecret string
	WebhookTolerance     time.Duration
	MaxRetries           uint
	RetryDelay           time.Duration
	RetryMaxDelay        time.Duration
}

type CheckoutConfig struct {
	// PaymentSessionLifetime bounds how long an unpaid payment object holds inventory.
	PaymentSessionLifetime time.Duration
	SubscriptionCacheTTL   time.Duration
	SuccessURL             string
	CancelURL              string
	AffiliateSharePercent  float64
}

type FreeJoinConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// CheckoutRate is tokens per second per client; CheckoutBurst is the bucket size.
	CheckoutRate  float64
	CheckoutBurst int
}

type RelayConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	BatchSize    int
}

type JobsConfig struct {
	Enabled     bool
	RunInterval time.Duration
	// EnabledJobs restricts which jobs run in this process. Empty runs all of them.
	EnabledJobs []string
	SweepLimit  int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "cohere"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "cohere"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:       getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:      strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Gateway: GatewayConfig{
			Provider:             strings.ToLower(getenv("GATEWAY_PROVIDER", "stripe")),
			SecretKey:            strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:        strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			ConnectWebhookSecret: strings.TrimSpace(getenv("STRIPE_CONNECT_WEBHOOK_SECRET", "")),
			WebhookTolerance:     getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			MaxRetries:           uint(getenvInt("GATEWAY_MAX_RETRIES", 3)),
			RetryDelay:           getenvDuration("GATEWAY_RETRY_DELAY", 500*time.Millisecond),
			RetryMaxDelay:        getenvDuration("GATEWAY_RETRY_MAX_DELAY", 5*time.Second),
		},
		Checkout: CheckoutConfig{
			PaymentSessionLifetime: getenvDuration("PAYMENT_SESSION_LIFETIME", 30*time.Minute),
			SubscriptionCacheTTL:   getenvDuration("SUBSCRIPTION_CACHE_TTL", time.Minute),
			SuccessURL:             getenv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
			CancelURL:              getenv("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
			AffiliateSharePercent:  getenvFloat("AFFILIATE_REVENUE_SHARE_PERCENT", 50),
		},
		FreeJoin: FreeJoinConfig{
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("REDIS_DB", 0),
			LockTTL:       getenvDuration("FREE_JOIN_LOCK_TTL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", getenv("REDIS_ADDR", ""))),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", getenv("REDIS_PASSWORD", ""))),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			CheckoutRate:  getenvFloat("RATE_LIMIT_CHECKOUT_RATE", 0.5),
			CheckoutBurst: getenvInt("RATE_LIMIT_CHECKOUT_BURST", 5),
		},
		Relay: RelayConfig{
			KafkaBrokers: parseList(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("KAFKA_TOPIC", "cohere.purchase.events"),
			BatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 100),
		},
		Jobs: JobsConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_INTERVAL", 5*time.Second),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
			SweepLimit:  getenvInt("SCHEDULER_SWEEP_LIMIT", 100),
		},
		PricingConfigPath: getenv("PRICING_CONFIG_PATH", "/etc/cohere"),
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

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
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
	if err != nil {
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
