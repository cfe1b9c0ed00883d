package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/joho/godotenv"
)

type BankConfig struct {
	Name          string `validate:"required"`
	AccountNumber string `validate:"required"`
	AccountHolder string `validate:"required"`
	QRBaseURL     string `validate:"required,url"`
}

type Config struct {
	Env            string
	Port           string `validate:"required,numeric"`
	AllowedOrigins []string

	PostgresUser     string `validate:"required"`
	PostgresPassword string `validate:"required"`
	PostgresDB       string `validate:"required"`
	PostgresHost     string `validate:"required"`
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string

	RedisURL string // optional; order codes fall back to the database

	JWTSecret          string
	TrustGatewayHeader bool // accept X-User-ID from the API gateway

	APIBaseURL          string        `validate:"required,url"`
	BackendTimeout      time.Duration `validate:"gt=0"`
	ServiceToken        string        // used by settlement recovery when no shopper token is live
	VerificationURL     string        `validate:"required,url"`
	VerificationTimeout time.Duration `validate:"gt=0"`

	PollInterval       time.Duration `validate:"gt=0"`
	PollMaxInterval    time.Duration `validate:"gtefield=PollInterval"`
	PollDeadline       time.Duration `validate:"gt=0"`
	PollMaxAttempts    int           `validate:"gte=0"`
	SettlementRetries  int           `validate:"gte=1"`
	SettlementRecovery time.Duration
	RedirectPath       string
	RedirectDelay      time.Duration

	Bank BankConfig

	EventBus           string `validate:"oneof=none sns kafka"`
	CartEventsTopicARN string `validate:"required_if=EventBus sns"`
	KafkaBrokers       string `validate:"required_if=EventBus kafka"`
	KafkaCartTopic     string

	RateLimitPerMinute int `validate:"gt=0"`
	RateLimitBurst     int `validate:"gt=0"`
}

// Load reads configuration from the environment (and a .env file when
// present), applies Secrets Manager overrides when AWS_USE_SECRETS=true and
// validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8092"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "Asia/Ho_Chi_Minh"),

		RedisURL: os.Getenv("REDIS_URL"),

		JWTSecret:          strings.TrimSpace(os.Getenv("JWT_SECRET")),
		TrustGatewayHeader: getBool("TRUST_GATEWAY_HEADER", false),

		APIBaseURL:          getEnv("API_BASE_URL", "http://localhost:3000/api/v1"),
		BackendTimeout:      getDuration("BACKEND_TIMEOUT", 10*time.Second),
		ServiceToken:        os.Getenv("BACKEND_SERVICE_TOKEN"),
		VerificationURL:     os.Getenv("VERIFICATION_URL"),
		VerificationTimeout: getDuration("VERIFICATION_TIMEOUT", 8*time.Second),

		PollInterval:       getDuration("POLL_INTERVAL", 10*time.Second),
		PollMaxInterval:    getDuration("POLL_MAX_INTERVAL", 2*time.Minute),
		PollDeadline:       getDuration("POLL_DEADLINE", 30*time.Minute),
		PollMaxAttempts:    getInt("POLL_MAX_ATTEMPTS", 0),
		SettlementRetries:  getInt("SETTLEMENT_RETRIES", 3),
		SettlementRecovery: getDuration("SETTLEMENT_RECOVERY_INTERVAL", time.Minute),
		RedirectPath:       getEnv("REDIRECT_PATH", "/san-pham-da-mua"),
		RedirectDelay:      getDuration("REDIRECT_DELAY", 3*time.Second),

		Bank: BankConfig{
			Name:          getEnv("BANK_NAME", "ACB"),
			AccountNumber: getEnv("BANK_ACCOUNT_NUMBER", "29165397"),
			AccountHolder: getEnv("BANK_ACCOUNT_HOLDER", "PHAM DUC AI"),
			QRBaseURL:     getEnv("BANK_QR_BASE_URL", "https://qr.sepay.vn/img"),
		},

		EventBus:           getEnv("EVENT_BUS", "none"),
		CartEventsTopicARN: os.Getenv("CART_EVENTS_TOPIC_ARN"),
		KafkaBrokers:       os.Getenv("KAFKA_BROKERS"),
		KafkaCartTopic:     getEnv("KAFKA_CART_TOPIC", "cart.updated"),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 30),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 10),
	}

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		applySecrets(context.Background(), cfg)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB,
		c.PostgresPort, c.PostgresSSLMode, c.PostgresTimeZone,
	)
}

// applySecrets overrides DB credentials and tokens from Secrets Manager.
// Missing secrets leave the environment values in place.
func applySecrets(ctx context.Context, cfg *Config) {
	awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
	if err != nil {
		return
	}
	applySecretsFrom(ctx, cfg, aws_pkg.NewSecretsClient(awsCfg, aws_pkg.SecretsPrefix))
}

type secretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// applySecretsFrom overrides env values with whatever secrets resolve.
// Missing secrets are skipped.
func applySecretsFrom(ctx context.Context, cfg *Config, sm secretSource) {
	if m, err := sm.GetSecretMap(ctx, "DB_CREDENTIALS"); err == nil {
		overrideString(&cfg.PostgresUser, m["POSTGRES_USER"])
		overrideString(&cfg.PostgresPassword, m["POSTGRES_PASSWORD"])
		overrideString(&cfg.PostgresDB, m["POSTGRES_DB"])
		overrideString(&cfg.PostgresHost, m["POSTGRES_HOST"])
		overrideString(&cfg.PostgresPort, m["POSTGRES_PORT"])
	}
	if v, err := sm.GetSecret(ctx, "JWT_SECRET"); err == nil {
		overrideString(&cfg.JWTSecret, v)
	}
	if v, err := sm.GetSecret(ctx, "BACKEND_SERVICE_TOKEN"); err == nil {
		overrideString(&cfg.ServiceToken, v)
	}
}

func overrideString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
