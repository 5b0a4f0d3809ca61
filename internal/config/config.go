package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Transport TransportConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig with an empty PostgresURL selects the in-memory store and
// directory.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	Channel  string
}

type QueueConfig struct {
	BatchSize    int
	Delay        time.Duration
	PollInterval time.Duration
}

const (
	TransportSimulate = "simulate"
	TransportWebhook  = "webhook"
)

type TransportConfig struct {
	Mode        string
	SuccessRate float64
	WebhookURL  string
	ContentMax  int
}

type LogConfig struct {
	Level slog.Level
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	batch, err := getEnvInt("QUEUE_BATCH_SIZE", 10)
	collect(err)
	delayMs, err := getEnvInt("QUEUE_DELAY_MS", 5000)
	collect(err)
	pollSec, err := getEnvInt("QUEUE_POLL_SECONDS", 0)
	collect(err)
	contentMax, err := getEnvInt("CONTENT_MAX", 160)
	collect(err)
	rate, err := getEnvFloat("TRANSPORT_SUCCESS_RATE", 0.7)
	collect(err)
	level, err := getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	collect(err)
	redisCfg, err := loadRedisConfig()
	collect(err)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Queue: QueueConfig{
			BatchSize:    batch,
			Delay:        time.Duration(delayMs) * time.Millisecond,
			PollInterval: time.Duration(pollSec) * time.Second,
		},
		Transport: TransportConfig{
			Mode:        strings.ToLower(getEnv("TRANSPORT_MODE", TransportSimulate)),
			SuccessRate: rate,
			WebhookURL:  os.Getenv("WEBHOOK_URL"),
			ContentMax:  contentMax,
		},
		Redis: redisCfg,
		Log: LogConfig{
			Level: level,
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err1 := getEnvInt("REDIS_DB", 0)
	ttl, err2 := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err := joinErrors([]error{err1, err2}); err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
		Channel:  getEnv("REDIS_CHANNEL", "relay:events"),
	}, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("QUEUE_BATCH_SIZE must be > 0"))
	}
	if cfg.Queue.Delay < 0 {
		errs = append(errs, errors.New("QUEUE_DELAY_MS must be >= 0"))
	}
	if cfg.Queue.PollInterval < 0 {
		errs = append(errs, errors.New("QUEUE_POLL_SECONDS must be >= 0"))
	}
	if cfg.Transport.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Transport.SuccessRate < 0 || cfg.Transport.SuccessRate > 1 {
		errs = append(errs, errors.New("TRANSPORT_SUCCESS_RATE must be within [0, 1]"))
	}

	switch cfg.Transport.Mode {
	case TransportSimulate:
	case TransportWebhook:
		if _, err := requireEnv("WEBHOOK_URL"); err != nil {
			errs = append(errs, fmt.Errorf("TRANSPORT_MODE=webhook: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid TRANSPORT_MODE %q: want %s or %s",
			cfg.Transport.Mode, TransportSimulate, TransportWebhook))
	}
	return joinErrors(errs)
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
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
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
		return def, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}

func getEnvLevel(key string, def slog.Level) (slog.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return def, fmt.Errorf("invalid log level for env %s: %s", key, v)
	}
	return lvl, nil
}

// joinErrors drops nil entries; nil when nothing is left.
func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
