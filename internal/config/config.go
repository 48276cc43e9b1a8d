// Package config loads process configuration from the environment, optionally
// seeded from a .env file, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
)

// Store drivers.
const (
	DriverMemory   = eventlog.DriverMemory
	DriverBadger   = eventlog.DriverBadger
	DriverPostgres = eventlog.DriverPostgres
)

// Config is shared by every binary; each one reads the fields it needs.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	HistoryAddr string `env:"HISTORY_ADDR,default=:8081"`
	ServerName  string `env:"SERVER_NAME"`

	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	MaxFrameBytes  int           `env:"MAX_FRAME_BYTES,default=65536"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE,default=256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`

	JWTSecret         string `env:"JWT_SECRET"`
	GuestPrefix       string `env:"GUEST_PREFIX,default=guest_"`
	AuthRequireExpiry bool   `env:"AUTH_REQUIRE_EXPIRY,default=false"`

	EchoToSender  bool `env:"ECHO_TO_SENDER,default=false"`
	PersistGuests bool `env:"PERSIST_GUESTS,default=false"`

	StoreDriver      string        `env:"STORE_DRIVER,default=memory"`
	PostgresDSN      string        `env:"POSTGRES_DSN"`
	BadgerPath       string        `env:"BADGER_PATH,default=./data/events"`
	PersistQueueSize int           `env:"PERSIST_QUEUE_SIZE,default=1024"`
	PersistTimeout   time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	HistoryLimit     int           `env:"HISTORY_LIMIT,default=50"`
	SceneMaxElements int           `env:"SCENE_MAX_ELEMENTS,default=10000"`

	RedisAddr string `env:"REDIS_ADDR"`
	NATSURL   string `env:"NATS_URL"`
	RateLimit bool   `env:"RATE_LIMIT,default=false"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read env file: %w", err)
	}
	return FromEnviron()
}

// FromEnviron reads the configuration from the process environment only.
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "board"
		}
		cfg.ServerName = host
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("MAX_FRAME_BYTES must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("SEND_QUEUE_SIZE must be positive"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL and HEARTBEAT_TIMEOUT must be positive"))
	}
	if c.PersistQueueSize <= 0 {
		errs = append(errs, errors.New("PERSIST_QUEUE_SIZE must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	switch c.StoreDriver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required with STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	// Presence counts are per instance without the shared Redis sets.
	if c.NATSURL != "" && c.RedisAddr == "" {
		errs = append(errs, errors.New("NATS_URL requires REDIS_ADDR"))
	}
	if c.RateLimit && c.RedisAddr == "" {
		errs = append(errs, errors.New("RATE_LIMIT requires REDIS_ADDR"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level maps LOG_LEVEL onto a slog level. Unknown values mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StoreConfig describes the event log selected by STORE_DRIVER.
func (c Config) StoreConfig(logger *slog.Logger) eventlog.OpenConfig {
	return eventlog.OpenConfig{
		Driver:      c.StoreDriver,
		PostgresDSN: c.PostgresDSN,
		BadgerPath:  c.BadgerPath,
		Logger:      logger,
	}
}

// SharedStore returns nil when another process can open the event log while
// the relay holds it. Badger locks BADGER_PATH exclusively and the memory
// store lives inside the relay.
func (c Config) SharedStore() error {
	switch c.StoreDriver {
	case DriverPostgres:
		return nil
	case DriverBadger:
		return fmt.Errorf("STORE_DRIVER=badger locks %s for the relay; serve history from the relay's /chats or use postgres", c.BadgerPath)
	default:
		return fmt.Errorf("STORE_DRIVER=%s is private to the relay; serve history from the relay's /chats or use postgres", c.StoreDriver)
	}
}

// NewLogger builds a text logger at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level()}))
}
