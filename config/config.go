package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	ChatAPIURL   string
	ChatWSURL    string
	AgentToken   string
	AgentID      string
	DatabaseURL  string
	Port         string
	PollInterval time.Duration
	Retention    time.Duration
	GCInterval   time.Duration
	LogLevel     string
	LogFormat    string
	RabbitURL    string
	RabbitQueue  string
	S3Endpoint   string
	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3PathStyle  bool
	S3PublicURL  string
}

// LoadConfig loads configuration from environment variables. A .env file
// is read first when present; real environment variables win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		ChatAPIURL:   os.Getenv("CHAT_API_URL"),
		ChatWSURL:    os.Getenv("CHAT_WS_URL"),
		AgentToken:   os.Getenv("CHAT_AGENT_TOKEN"),
		AgentID:      os.Getenv("CHAT_AGENT_ID"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Port:         os.Getenv("PORT"),
		PollInterval: durationEnv("POLL_INTERVAL_SECONDS", time.Second, 3*time.Second),
		Retention:    durationEnv("RETENTION_MINUTES", time.Minute, 60*time.Minute),
		GCInterval:   durationEnv("GC_INTERVAL_MINUTES", time.Minute, 10*time.Minute),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		LogFormat:    os.Getenv("LOG_FORMAT"),
		RabbitURL:    os.Getenv("RABBITMQ_URL"),
		RabbitQueue:  os.Getenv("RABBITMQ_QUEUE"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3Region:     os.Getenv("S3_REGION"),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3AccessKey:  os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:  os.Getenv("S3_PATH_STYLE") == "true",
		S3PublicURL:  os.Getenv("S3_PUBLIC_URL"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "livechat.db"
		log.Info().Str("database", cfg.DatabaseURL).Msg("DATABASE_URL not set, using local sqlite file")
	}

	return cfg, nil
}

// durationEnv reads an integer environment variable scaled by unit,
// falling back to def when unset or unparsable.
func durationEnv(key string, unit, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring unparsable duration setting")
		return def
	}
	return time.Duration(n) * unit
}
