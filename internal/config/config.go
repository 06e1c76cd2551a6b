/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8080"
	defaultExchange            = "rewards.events"
	defaultConfirmQueue        = "rewards_service.visit_confirmations"
	defaultRateLimitPrefix     = "rewards:rate_limit"
	defaultScheduleLimit       = 20
	defaultUpfrontRate         = 0.30
	defaultReconcileSchedule   = "@every 15m"
	defaultOutboxPollMs        = 1200
	defaultOutboxBatchSize     = 50
	defaultQRCodeSize          = 256
	defaultCORSAllowedOrigins  = "https://*,http://*"
	defaultLogMaxSizeMB        = 50
	defaultLogMaxBackups       = 5
	defaultLogMaxAgeDays       = 14
	defaultHistoryLimit        = 50
	defaultShutdownGraceSecond = 15
)

// ErrMissingJWTSecret is returned by Validate when no signing secret is set.
var ErrMissingJWTSecret = errors.New("JWT_SECRET is required")

// Config holds all the configuration variables for the rewards-service.
// String values are bound with mapstructure; numeric and boolean values are
// parsed separately so that a malformed value falls back to its default.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RewardsExchange      string `mapstructure:"REWARDS_EXCHANGE"`
	ConfirmQueue         string `mapstructure:"CONFIRM_QUEUE"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateTablePath        string `mapstructure:"RATE_TABLE_PATH"`
	ReconcileSchedule    string `mapstructure:"RECONCILE_SCHEDULE"`
	CORSAllowedOrigins   string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogFile              string `mapstructure:"LOG_FILE"`

	AutoMigrate                bool          `mapstructure:"-"`
	TrustProxyHeaders          bool          `mapstructure:"-"`
	UpfrontRate                float64       `mapstructure:"-"`
	ScheduleRateLimitPerMinute int           `mapstructure:"-"`
	HistoryLimit               int           `mapstructure:"-"`
	OutboxPollInterval         time.Duration `mapstructure:"-"`
	OutboxBatchSize            int           `mapstructure:"-"`
	QRCodeSize                 int           `mapstructure:"-"`
	LogMaxSizeMB               int           `mapstructure:"-"`
	LogMaxBackups              int           `mapstructure:"-"`
	LogMaxAgeDays              int           `mapstructure:"-"`
	ShutdownGracePeriod        time.Duration `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and the optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REWARDS_EXCHANGE", defaultExchange)
	viper.SetDefault("CONFIRM_QUEUE", defaultConfirmQueue)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "JWT_SECRET", "AUTO_MIGRATE",
		"RABBITMQ_URL", "REWARDS_EXCHANGE", "CONFIRM_QUEUE",
		"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "SCHEDULE_RATE_LIMIT_PER_MINUTE",
		"UPFRONT_RATE", "RATE_TABLE_PATH", "RECONCILE_SCHEDULE", "HISTORY_LIMIT",
		"OUTBOX_POLL_INTERVAL_MS", "OUTBOX_BATCH_SIZE", "QR_CODE_SIZE",
		"CORS_ALLOWED_ORIGINS", "TRUST_PROXY_HEADERS", "SHUTDOWN_GRACE_SECONDS",
		"LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARDS_REDIS_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = defaultReconcileSchedule
	}

	config.AutoMigrate = boolSetting("AUTO_MIGRATE", true)
	config.TrustProxyHeaders = boolSetting("TRUST_PROXY_HEADERS", false)
	config.UpfrontRate = floatSetting("UPFRONT_RATE", defaultUpfrontRate)
	if config.UpfrontRate < 0 {
		log.Printf("level=warn component=config msg=\"negative upfront rate configured; coercing to zero\" upfront_rate=%f", config.UpfrontRate)
		config.UpfrontRate = 0
	}
	if config.UpfrontRate > 1 {
		log.Printf("level=warn component=config msg=\"upfront rate too high; capping at 1\" upfront_rate=%f", config.UpfrontRate)
		config.UpfrontRate = 1
	}

	config.ScheduleRateLimitPerMinute = positiveIntSetting("SCHEDULE_RATE_LIMIT_PER_MINUTE", defaultScheduleLimit)
	config.HistoryLimit = positiveIntSetting("HISTORY_LIMIT", defaultHistoryLimit)
	config.OutboxPollInterval = time.Duration(positiveIntSetting("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollMs)) * time.Millisecond
	config.OutboxBatchSize = positiveIntSetting("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	config.QRCodeSize = positiveIntSetting("QR_CODE_SIZE", defaultQRCodeSize)
	config.LogMaxSizeMB = positiveIntSetting("LOG_MAX_SIZE_MB", defaultLogMaxSizeMB)
	config.LogMaxBackups = positiveIntSetting("LOG_MAX_BACKUPS", defaultLogMaxBackups)
	config.LogMaxAgeDays = positiveIntSetting("LOG_MAX_AGE_DAYS", defaultLogMaxAgeDays)
	config.ShutdownGracePeriod = time.Duration(positiveIntSetting("SHUTDOWN_GRACE_SECONDS", defaultShutdownGraceSecond)) * time.Second

	return
}

// Validate reports settings the HTTP service cannot start without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func rawSetting(key string) (string, bool) {
	if !viper.IsSet(key) {
		return "", false
	}
	raw := strings.TrimSpace(viper.GetString(key))
	return raw, raw != ""
}

func positiveIntSetting(key string, fallback int) int {
	raw, ok := rawSetting(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%d", key, raw, fallback)
		return fallback
	}
	return value
}

func floatSetting(key string, fallback float64) float64 {
	raw, ok := rawSetting(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%f", key, raw, fallback)
		return fallback
	}
	return value
}

func boolSetting(key string, fallback bool) bool {
	raw, ok := rawSetting(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q default=%t", key, raw, fallback)
		return fallback
	}
	return value
}
