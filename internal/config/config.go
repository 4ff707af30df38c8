package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

var supportedDrivers = []string{"postgres", "pgx", "sqlite"}

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	Chat           ChatConfig
}

// ChatConfig tunes the real-time core.
type ChatConfig struct {
	SendBufferSize        int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	MaxMessageSize        int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RatePerSecond         float64       `env:"RATE_PER_SECOND" envDefault:"20"`
	RateBurst             int           `env:"RATE_BURST" envDefault:"40"`
	ReconcileInterval     time.Duration `env:"RECONCILE_INTERVAL" envDefault:"50ms"`
	StoreTimeout          time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	AutoJoinConversations bool          `env:"AUTO_JOIN_CONVERSATIONS" envDefault:"false"`
}

// EnvDefaults holds values read from GOCHAT_* environment variables. They seed
// the command-line flag defaults.
type EnvDefaults struct {
	Addr           string     `env:"ADDR" envDefault:"localhost:8000"`
	DatabaseDriver string     `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseDSN    string     `env:"DSN" envDefault:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	SigningKey     string     `env:"SIGNING_KEY"`
	AllowedOrigins []string   `env:"ALLOWED_ORIGINS" envSeparator:","`
	Chat           ChatConfig
}

func LoadEnvDefaults() (EnvDefaults, error) {
	var d EnvDefaults
	if err := env.ParseWithOptions(&d, env.Options{Prefix: "GOCHAT_"}); err != nil {
		return EnvDefaults{}, fmt.Errorf("parse env: %w", err)
	}

	return d, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, driver, databaseDSN, base64Secret string, allowedOrigins []string, chat ChatConfig) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if !slices.Contains(supportedDrivers, driver) {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if chat.SendBufferSize <= 0 {
		return nil, fmt.Errorf("send buffer size must be positive")
	}
	if chat.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive")
	}
	if chat.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}
	if chat.RatePerSecond > 0 && chat.RateBurst <= 0 {
		return nil, fmt.Errorf("rate burst must be positive when a rate limit is set")
	}
	if chat.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: driver,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Chat:           chat,
	}, nil
}
