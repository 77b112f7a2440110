package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr             string
	MetricsAddr          string
	PostgresDSN          string
	RedisAddr            string
	KafkaBrokers         []string
	// KafkaWebhookTopic enables the queued webhook ingestion path when set.
	KafkaWebhookTopic    string
	KafkaEventsTopic     string
	// KafkaSideEffectTopic receives settled subscription purchases.
	KafkaSideEffectTopic string
	JWTSecret            string
	LogLevel             string
	OTLPEndpoint         string

	GatewayBaseURL     string
	GatewaySecretKey   string
	GatewayCallbackURL string
	GatewayTimeout     time.Duration
	// VerifyTimeout bounds one whole Verify call, retries included.
	VerifyTimeout time.Duration

	FeePercent    decimal.Decimal
	FinalizeLease time.Duration
	SweepInterval time.Duration
	SweepMinAge   time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9090"),
		PostgresDSN:          getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=settlement sslmode=disable"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:         splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaWebhookTopic:    os.Getenv("KAFKA_WEBHOOK_TOPIC"),
		KafkaEventsTopic:     getEnv("KAFKA_EVENTS_TOPIC", "settlements"),
		KafkaSideEffectTopic: getEnv("KAFKA_SIDE_EFFECT_TOPIC", "subscriptions"),
		JWTSecret:            getEnv("JWT_SECRET", "supersecret"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.paystack.co"),
		GatewaySecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayCallbackURL:   os.Getenv("GATEWAY_CALLBACK_URL"),
	}

	var err error
	if cfg.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.VerifyTimeout, err = getDuration("VERIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FinalizeLease, err = getDuration("FINALIZE_LEASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepMinAge, err = getDuration("SWEEP_MIN_AGE", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.FeePercent, err = decimal.NewFromString(getEnv("FEE_PERCENT", "0")); err != nil {
		return nil, fmt.Errorf("invalid FEE_PERCENT: %w", err)
	}
	if cfg.RateLimitRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "50"), 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_BURST", "100")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"gateway_base_url", cfg.GatewayBaseURL,
		"fee_percent", cfg.FeePercent.String())
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.GatewaySecretKey == "" {
		errs = append(errs, errors.New("GATEWAY_SECRET_KEY is required"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("VERIFY_TIMEOUT must be positive"))
	}
	// A claim must outlive the Verify it guards, or a second finalizer
	// takes over while the first is still waiting on the gateway.
	if c.FinalizeLease <= c.VerifyTimeout {
		errs = append(errs, fmt.Errorf("FINALIZE_LEASE (%s) must exceed VERIFY_TIMEOUT (%s)", c.FinalizeLease, c.VerifyTimeout))
	}
	if c.SweepInterval <= 0 || c.SweepMinAge <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL and SWEEP_MIN_AGE must be positive"))
	}
	if c.FeePercent.IsNegative() {
		errs = append(errs, errors.New("FEE_PERCENT must not be negative"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
