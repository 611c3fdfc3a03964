package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Cookie   CookieConfig
	Password PasswordConfig
	Email    EmailConfig
	SMTP     SMTPConfig
	Events   EventsConfig
	CORS     CORSConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig is optional; an empty host disables Redis backed features.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Audience          string
	Expiration        time.Duration
	ClockSkew         time.Duration
	RefreshExpiration time.Duration
}

// CookieConfig controls the session cookies written by the auth handler.
type CookieConfig struct {
	Secure bool
	Domain string
}

type PasswordConfig struct {
	BcryptCost int
}

// EmailConfig governs the verification email flow.
type EmailConfig struct {
	VerifyBaseURL        string
	VerifyTTL            time.Duration
	ResendCooldown       time.Duration
	AutoSendVerification bool
}

// SMTPConfig configures outbound mail. An empty host logs messages instead.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// EventsConfig toggles publishing of auth domain events to Kafka.
type EventsConfig struct {
	Enabled    bool
	Brokers    []string
	Topic      string
	Workers    int
	BufferSize int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Audience:          v.GetString("JWT_AUDIENCE"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		ClockSkew:         parseDuration(v.GetString("JWT_CLOCK_SKEW"), 30*time.Second),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 30*24*time.Hour),
	}

	cfg.Cookie = CookieConfig{
		Secure: v.GetBool("COOKIE_SECURE"),
		Domain: v.GetString("COOKIE_DOMAIN"),
	}

	cost := v.GetInt("BCRYPT_COST")
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	cfg.Password = PasswordConfig{BcryptCost: cost}

	cfg.Email = EmailConfig{
		VerifyBaseURL:        v.GetString("EMAIL_VERIFY_BASE_URL"),
		VerifyTTL:            parseDuration(v.GetString("EMAIL_VERIFY_TTL"), 24*time.Hour),
		ResendCooldown:       parseDuration(v.GetString("EMAIL_RESEND_COOLDOWN"), time.Minute),
		AutoSendVerification: v.GetBool("AUTO_SEND_VERIFICATION"),
	}

	cfg.SMTP = SMTPConfig{
		Host:     v.GetString("SMTP_HOST"),
		Port:     v.GetInt("SMTP_PORT"),
		User:     v.GetString("SMTP_USER"),
		Password: v.GetString("SMTP_PASSWORD"),
		From:     v.GetString("SMTP_FROM"),
	}

	cfg.Events = EventsConfig{
		Enabled:    v.GetBool("ENABLE_EVENTS"),
		Brokers:    splitAndTrim(v.GetString("KAFKA_BROKERS")),
		Topic:      v.GetString("KAFKA_TOPIC"),
		Workers:    v.GetInt("EVENTS_WORKERS"),
		BufferSize: v.GetInt("EVENTS_BUFFER_SIZE"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 5155)
	v.SetDefault("API_PREFIX", "/api")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "vehicle_insurance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret_change_me_at_least_32_bytes")
	v.SetDefault("JWT_ISSUER", "vehicle-insurance")
	v.SetDefault("JWT_AUDIENCE", "vehicle-insurance-clients")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("JWT_CLOCK_SKEW", "30s")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "720h")

	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("BCRYPT_COST", bcrypt.DefaultCost)

	v.SetDefault("EMAIL_VERIFY_BASE_URL", "http://localhost:5155/api/verify-email")
	v.SetDefault("EMAIL_VERIFY_TTL", "24h")
	v.SetDefault("EMAIL_RESEND_COOLDOWN", "60s")
	v.SetDefault("AUTO_SEND_VERIFICATION", false)

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "no-reply@vehicle-insurance.local")

	v.SetDefault("ENABLE_EVENTS", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "auth_events")
	v.SetDefault("EVENTS_WORKERS", 2)
	v.SetDefault("EVENTS_BUFFER_SIZE", 256)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
