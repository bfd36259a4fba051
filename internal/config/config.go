package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Service  Service
	Logger   Logger
	Postgres Postgres
	AMQP     AMQP
	Blob     Blob
	Auth     Auth
	Broker   Broker
	HTTP     HTTP
}

type Service struct {
	Name string `env:"SERVICE_NAME" env-default:"chat-broker"`
	Env  string `env:"ENVIRONMENT" env-default:"dev"`
	Port string `env:"PORT" env-default:"8080"`
}

type Logger struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	// Empty keeps messages and presence in memory.
	DSN string `env:"DB_CONN_STR"`
}

type AMQP struct {
	URL        string `env:"AMQP_URL"`
	StreamURI  string `env:"RABBITMQ_STREAM_URI"`
	StreamName string `env:"JOURNAL_STREAM" env-default:"chat.journal"`
}

type Blob struct {
	// Empty opens an in-memory pebble instance.
	Path     string    `env:"BLOB_PATH"`
	MaxBytes SizeBytes `env:"MAX_BLOB_BYTES" env-default:"10MiB"`
}

type Auth struct {
	Secret string `env:"AUTH_HS256_SECRET" env-default:"dev-secret"`
	Issuer string `env:"AUTH_ISSUER" env-default:"chat-broker"`
}

type Broker struct {
	TypingTTL             time.Duration `env:"TYPING_TTL" env-default:"3s"`
	TypingSweepInterval   time.Duration `env:"TYPING_SWEEP_INTERVAL" env-default:"500ms"`
	PresenceStaleAfter    time.Duration `env:"PRESENCE_STALE_AFTER" env-default:"45s"`
	PresenceSweepInterval time.Duration `env:"PRESENCE_SWEEP_INTERVAL" env-default:"5s"`
	SubscriberBuffer      int           `env:"SUBSCRIBER_BUFFER" env-default:"256"`
	MaxBodyRunes          int           `env:"MAX_BODY_RUNES" env-default:"4000"`
	MaxAttachments        int           `env:"MAX_ATTACHMENTS" env-default:"10"`
}

type HTTP struct {
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" env-default:"600"`
	CORSOrigins        string `env:"CORS_ORIGINS"`
}

// SizeBytes is a byte count read from human-friendly values like "10MiB" or
// plain integers.
type SizeBytes int64

func (s *SizeBytes) SetValue(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: failed to read .env", "error", err)
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Broker.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be positive")
	}
	if c.Broker.SubscriberBuffer <= 0 {
		slog.Warn("config: invalid subscriber buffer, defaulting", "buffer", c.Broker.SubscriberBuffer)
		c.Broker.SubscriberBuffer = 256
	}
	if c.Broker.TypingSweepInterval <= 0 {
		c.Broker.TypingSweepInterval = c.Broker.TypingTTL / 6
	}
	if c.Broker.PresenceStaleAfter > 0 && c.Broker.PresenceSweepInterval <= 0 {
		c.Broker.PresenceSweepInterval = c.Broker.PresenceStaleAfter / 3
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Service.Port, ":")
}

// Origins splits CORS_ORIGINS into trimmed, non-empty entries.
func (c *Config) Origins() []string {
	out := []string{}
	for _, o := range strings.Split(c.HTTP.CORSOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	return out
}
