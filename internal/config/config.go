package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port             string
	MQTTBrokerURL    string
	LogLevel         string
	Postgres         DBConfig
	RedisAddr        string
	RedisPassword    string
	ResolverCacheTTL time.Duration

	JWTSecret string

	ProcessingURL     string
	ProcessingTimeout time.Duration

	PublishTimeout time.Duration

	// Sessions stuck in PROCESSING longer than SessionMaxProcessingAge are
	// failed by the reaper. Zero disables the sweep.
	SessionMaxProcessingAge time.Duration
	SessionReapInterval     time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("GAIT_BACKEND_PORT", "8080"),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "gait"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RedisAddr:        getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		ResolverCacheTTL: getDuration("DEVICE_CACHE_TTL", 5*time.Minute),

		JWTSecret: os.Getenv("JWT_SECRET"),

		ProcessingURL:     getEnv("PROCESSING_SERVICE_URL", "http://gait-processing:9000"),
		ProcessingTimeout: getDuration("PROCESSING_TIMEOUT", 30*time.Second),

		PublishTimeout: getDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),

		SessionMaxProcessingAge: getDuration("SESSION_MAX_PROCESSING_AGE", 0),
		SessionReapInterval:     getDuration("SESSION_REAP_INTERVAL", time.Minute),
	}
	slog.Info("gait-backend config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "processing", cfg.ProcessingURL)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("invalid duration in env, using default", "key", k, "value", v)
	return def
}
