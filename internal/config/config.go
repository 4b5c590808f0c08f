package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultLogLevel        = "INFO"
	defaultLogFormat       = "text"
	defaultHTTPPort        = "8080"
	defaultMaxParallel     = 16
	defaultStepTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxOpenConns    = 10
)

type Config struct {
	DatabaseURL     string
	LogLevel        string
	LogFormat       string
	HTTPPort        string
	MaxParallel     int
	StepTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxOpenConns    int
}

// Load reads a .env file from the working directory when one exists and
// then builds the configuration from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFromEnv()
}

func LoadFromEnv() (Config, error) {
	maxParallel, err := parseEnvInt("ENGINE_MAX_PARALLEL", defaultMaxParallel)
	if err != nil {
		return Config{}, err
	}
	stepTimeout, err := parseEnvDuration("ENGINE_STEP_TIMEOUT_SECONDS", defaultStepTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := parseEnvDuration("ENGINE_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := parseEnvInt("DB_MAX_OPEN_CONNS", defaultMaxOpenConns)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:     ConnString(),
		LogLevel:        strings.ToUpper(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		HTTPPort:        getEnv("HTTP_PORT", defaultHTTPPort),
		MaxParallel:     maxParallel,
		StepTimeout:     stepTimeout,
		ShutdownTimeout: shutdownTimeout,
		MaxOpenConns:    maxOpenConns,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.HTTPPort == "" {
		return errors.New("http port cannot be empty")
	}
	if _, err := strconv.Atoi(c.HTTPPort); err != nil {
		return fmt.Errorf("http port %q is not a number", c.HTTPPort)
	}
	if c.MaxParallel <= 0 {
		return errors.New("engine max parallel must be > 0")
	}
	if c.StepTimeout <= 0 {
		return errors.New("engine step timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("engine shutdown timeout must be positive")
	}
	if c.MaxOpenConns < 0 {
		return errors.New("db max open conns must be >= 0")
	}
	return nil
}

// ConnString returns DATABASE_URL, or a connection string assembled from the
// DB_* variables. It is empty when neither is set.
func ConnString() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	user := os.Getenv("DB_USERNAME")
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user,
		os.Getenv("DB_PASSWORD"),
		host,
		getEnv("DB_PORT", "5432"),
		name,
	)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func parseEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer number of seconds: %w", key, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%s must be > 0 seconds", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return out, nil
}
