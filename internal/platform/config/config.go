package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minProductionSecretLength = 32

type Config struct {
	AppEnv         string `env:"APP_ENV" default:"development"`
	Port           string `env:"PORT" default:"8080"`
	AppURL         string `env:"APP_URL"`
	RedisURL       string `env:"REDIS_URL"`
	JWTSecret      string `env:"JWT_SECRET"`
	JWTIssuer      string `env:"JWT_ISSUER"`
	InternalAPIKey string `env:"INTERNAL_API_KEY"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`
	InstanceID     string `env:"INSTANCE_ID"`

	MaxEventsPerSecond int           `env:"MAX_EVENTS_PER_SECOND" default:"10"`
	BurstSize          int           `env:"BURST_SIZE" default:"20"`
	RefillInterval     time.Duration `env:"REFILL_INTERVAL" default:"100ms"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" default:"1m"`
	StaleAfter         time.Duration `env:"STALE_AFTER" default:"5m"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`

	MaxConnections       int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectRatePerSecond float64 `env:"CONNECT_RATE_PER_SECOND" default:"10"`
	ConnectBurst         int     `env:"CONNECT_BURST" default:"20"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC" default:"lifeos.events"`
	KafkaGroupID string `env:"KAFKA_GROUP_ID" default:"lifeos-realtime"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// KafkaBrokerList splits KAFKA_BROKERS on commas. An empty list disables ingestion.
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "realtime"
	}
	return host + "-" + uuid.NewString()[:8]
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"REDIS_URL", cfg.RedisURL},
		{"JWT_SECRET", cfg.JWTSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"MAX_EVENTS_PER_SECOND", int64(cfg.MaxEventsPerSecond)},
		{"BURST_SIZE", int64(cfg.BurstSize)},
		{"REFILL_INTERVAL", int64(cfg.RefillInterval)},
		{"SWEEP_INTERVAL", int64(cfg.SweepInterval)},
		{"STALE_AFTER", int64(cfg.StaleAfter)},
		{"HEARTBEAT_INTERVAL", int64(cfg.HeartbeatInterval)},
		{"MAX_CONNECTIONS", int64(cfg.MaxConnections)},
		{"MAX_CONNECTIONS_PER_IP", int64(cfg.MaxConnectionsPerIP)},
		{"CONNECT_BURST", int64(cfg.ConnectBurst)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if cfg.ConnectRatePerSecond <= 0 {
		return errors.New("CONNECT_RATE_PER_SECOND must be positive")
	}

	if !cfg.IsDevelopment() {
		if len(cfg.JWTSecret) < minProductionSecretLength {
			return fmt.Errorf("JWT_SECRET must be at least %d characters outside development", minProductionSecretLength)
		}
		if cfg.AppURL == "" {
			return errors.New("APP_URL is required outside development")
		}
	}

	return nil
}
