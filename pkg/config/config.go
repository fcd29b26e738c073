package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	EnrollmentDB DatabaseConfig
	CapacityDB   DatabaseConfig
	Redis        RedisConfig
	SectionCache SectionCacheConfig
	Saga         SagaConfig
	Telemetry    TelemetryConfig
	Metrics      MetricsConfig
	CORS         CORSConfig
	Log          LogConfig
}

// DatabaseConfig describes one PostgreSQL store. The enrollment store and the
// capacity store are configured independently and may live on different hosts.
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

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SectionCacheConfig toggles the advisory section snapshot cache.
type SectionCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// SagaConfig tunes the enrollment saga and its recovery loop.
type SagaConfig struct {
	LogPath             string
	LegTimeout          time.Duration
	CompensationTimeout time.Duration
	RecoveryInterval    time.Duration
	RecoveryGrace       time.Duration
	RecoveryWorkers     int
	RecoveryRetries     int
	RecoveryBatchSize   int
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

type MetricsConfig struct {
	Enabled bool
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

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.EnrollmentDB = databaseConfig(v, "ENROLLMENT_DB")
	cfg.CapacityDB = databaseConfig(v, "CAPACITY_DB")

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.SectionCache = SectionCacheConfig{
		Enabled: v.GetBool("SECTION_CACHE_ENABLED"),
		TTL:     parseDuration(v.GetString("SECTION_CACHE_TTL"), 5*time.Second),
	}

	cfg.Saga = SagaConfig{
		LogPath:             v.GetString("SAGA_LOG_PATH"),
		LegTimeout:          parseDuration(v.GetString("SAGA_LEG_TIMEOUT"), 3*time.Second),
		CompensationTimeout: parseDuration(v.GetString("SAGA_COMPENSATION_TIMEOUT"), 5*time.Second),
		RecoveryInterval:    parseDuration(v.GetString("SAGA_RECOVERY_INTERVAL"), time.Minute),
		RecoveryGrace:       parseDuration(v.GetString("SAGA_RECOVERY_GRACE"), 30*time.Second),
		RecoveryWorkers:     v.GetInt("SAGA_RECOVERY_WORKERS"),
		RecoveryRetries:     v.GetInt("SAGA_RECOVERY_RETRIES"),
		RecoveryBatchSize:   v.GetInt("SAGA_RECOVERY_BATCH_SIZE"),
	}

	cfg.Telemetry = TelemetryConfig{
		Enabled:     v.GetBool("OTEL_ENABLED"),
		Endpoint:    v.GetString("OTEL_EXPORTER_ENDPOINT"),
		ServiceName: v.GetString("OTEL_SERVICE_NAME"),
	}

	cfg.Metrics = MetricsConfig{Enabled: v.GetBool("ENABLE_METRICS")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func databaseConfig(v *viper.Viper, prefix string) DatabaseConfig {
	return DatabaseConfig{
		Host:         v.GetString(prefix + "_HOST"),
		Port:         v.GetInt(prefix + "_PORT"),
		User:         v.GetString(prefix + "_USER"),
		Password:     v.GetString(prefix + "_PASSWORD"),
		Name:         v.GetString(prefix + "_NAME"),
		SSLMode:      v.GetString(prefix + "_SSL_MODE"),
		MaxOpenConns: v.GetInt(prefix + "_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt(prefix + "_MAX_IDLE_CONNS"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("ENROLLMENT_DB_HOST", "localhost")
	v.SetDefault("ENROLLMENT_DB_PORT", 5432)
	v.SetDefault("ENROLLMENT_DB_USER", "postgres")
	v.SetDefault("ENROLLMENT_DB_PASSWORD", "postgres")
	v.SetDefault("ENROLLMENT_DB_NAME", "campus_users")
	v.SetDefault("ENROLLMENT_DB_SSL_MODE", "disable")
	v.SetDefault("ENROLLMENT_DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("ENROLLMENT_DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("CAPACITY_DB_HOST", "localhost")
	v.SetDefault("CAPACITY_DB_PORT", 5433)
	v.SetDefault("CAPACITY_DB_USER", "postgres")
	v.SetDefault("CAPACITY_DB_PASSWORD", "postgres")
	v.SetDefault("CAPACITY_DB_NAME", "campus_curriculum")
	v.SetDefault("CAPACITY_DB_SSL_MODE", "disable")
	v.SetDefault("CAPACITY_DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("CAPACITY_DB_MAX_IDLE_CONNS", 2)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SECTION_CACHE_ENABLED", false)
	v.SetDefault("SECTION_CACHE_TTL", "5s")

	v.SetDefault("SAGA_LOG_PATH", "./data/sagas.db")
	v.SetDefault("SAGA_LEG_TIMEOUT", "3s")
	v.SetDefault("SAGA_COMPENSATION_TIMEOUT", "5s")
	v.SetDefault("SAGA_RECOVERY_INTERVAL", "1m")
	v.SetDefault("SAGA_RECOVERY_GRACE", "30s")
	v.SetDefault("SAGA_RECOVERY_WORKERS", 2)
	v.SetDefault("SAGA_RECOVERY_RETRIES", 3)
	v.SetDefault("SAGA_RECOVERY_BATCH_SIZE", 100)

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "localhost:4318")
	v.SetDefault("OTEL_SERVICE_NAME", "campus-enrollment-api")

	v.SetDefault("ENABLE_METRICS", true)

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
