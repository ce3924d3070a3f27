package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const maxBatchSize = 100

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	SMS       SMSConfig
	Retry     RetryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address    string
	CronSecret string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

type SMSConfig struct {
	Provider            string
	AccountSID          string
	AuthToken           string
	FromNumber          string
	MessagingServiceSID string
	StatusCallbackURL   string
	WebhookPublicURL    string
	GatewayURL          string
	RatePerSecond       float64
	Concurrency         int
	MaxChars            int
	BrandName           string
	BrandingDisabled    bool
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadAll() (*Config, error) {
	var errs []error

	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	rate := func(key string, def float64) float64 {
		v, err := getEnvFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:    getEnv("SERVER_ADDRESS", ":8080"),
			CronSecret: str("CRON_SECRET"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Scheduler: SchedulerConfig{
			Enabled:   flag("SCHED_ENABLED", false),
			Interval:  time.Duration(num("SCHED_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize: num("SCHED_BATCH_SIZE", maxBatchSize),
		},
		SMS: SMSConfig{
			Provider:            strings.ToLower(getEnv("SMS_PROVIDER", "twilio")),
			AccountSID:          os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:           os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber:          os.Getenv("TWILIO_FROM_NUMBER"),
			MessagingServiceSID: os.Getenv("TWILIO_MESSAGING_SERVICE_SID"),
			StatusCallbackURL:   os.Getenv("SMS_STATUS_CALLBACK_URL"),
			WebhookPublicURL:    os.Getenv("WEBHOOK_PUBLIC_URL"),
			GatewayURL:          os.Getenv("GATEWAY_URL"),
			RatePerSecond:       rate("SMS_RATE_PER_SECOND", 10),
			Concurrency:         num("SMS_CONCURRENCY", 4),
			MaxChars:            num("SMS_MAX_CHARS", 1600),
			BrandName:           getEnv("SMS_BRAND_NAME", "Unveil"),
			BrandingDisabled:    flag("SMS_BRANDING_DISABLED", false),
		},
		Retry: RetryConfig{
			MaxAttempts: num("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   time.Duration(num("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
			MaxDelay:    time.Duration(num("RETRY_MAX_DELAY_MS", 30000)) * time.Millisecond,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	redis, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redis

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors(errs)
}

func validate(cfg *Config) []error {
	var errs []error

	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.BatchSize > maxBatchSize {
		cfg.Scheduler.BatchSize = maxBatchSize
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.SMS.MaxChars <= 0 {
		errs = append(errs, errors.New("SMS_MAX_CHARS must be > 0"))
	}
	if cfg.SMS.RatePerSecond <= 0 {
		errs = append(errs, errors.New("SMS_RATE_PER_SECOND must be > 0"))
	}
	if cfg.SMS.Concurrency <= 0 {
		errs = append(errs, errors.New("SMS_CONCURRENCY must be > 0"))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}

	switch cfg.SMS.Provider {
	case "twilio":
		if cfg.SMS.AccountSID == "" || cfg.SMS.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for SMS_PROVIDER=twilio"))
		}
		if cfg.SMS.FromNumber == "" && cfg.SMS.MessagingServiceSID == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER or TWILIO_MESSAGING_SERVICE_SID is required for SMS_PROVIDER=twilio"))
		}
	case "http":
		if cfg.SMS.GatewayURL == "" {
			errs = append(errs, errors.New("GATEWAY_URL is required for SMS_PROVIDER=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("SMS_PROVIDER must be twilio or http, got %q", cfg.SMS.Provider))
	}

	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid number for env %s: %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
