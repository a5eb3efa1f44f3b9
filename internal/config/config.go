// Package config loads relay configuration from flags and the environment.
//
// Flags win over environment variables; environment variables win over
// defaults. A .env file in the working directory is honored when present so
// local runs match the hosted deployment.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kcall/kcall/internal/origin"
)

const (
	// envVarPort matches the hosting platform's convention; the original
	// deployment listened on PORT with a fallback of 3000.
	envVarPort = "PORT"

	envVarLogFormat            = "KCALL_LOG_FORMAT"
	envVarLogLevel             = "KCALL_LOG_LEVEL"
	envVarShutdownTimeout      = "KCALL_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes      = "KCALL_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "KCALL_MAX_MESSAGES_PER_SECOND"
	envVarAllowedOrigins       = "KCALL_ALLOWED_ORIGINS"
)

const (
	defaultPort                 = 3000
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server binds to.
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ShutdownTimeout bounds graceful HTTP shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration

	// Inbound signaling hardening, applied per control-channel connection.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigins lists browser Origins allowed to upgrade, each "*" or
	// an http(s) origin. Empty means same-host only.
	AllowedOrigins []string
}

// Load parses args (flags) on top of the environment.
func Load(args []string) (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		LogFormat:            LogFormatText,
		LogLevel:             slog.LevelInfo,
		ShutdownTimeout:      defaultShutdownTimeout,
		MaxMessageBytes:      defaultMaxMessageBytes,
		MaxMessagesPerSecond: defaultMaxMessagesPerSecond,
	}

	port, err := envIntOrDefault(os.LookupEnv, envVarPort, defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.ListenAddr = fmt.Sprintf(":%d", port)

	logFormat := envOrDefault(os.LookupEnv, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(os.LookupEnv, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(os.LookupEnv, envVarShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout = shutdownTimeout

	maxMessageBytes, err := envIntOrDefault(os.LookupEnv, envVarMaxMessageBytes, defaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxMessageBytes)

	maxMessagesPerSecond, err := envIntOrDefault(os.LookupEnv, envVarMaxMessagesPerSecond, defaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessagesPerSecond = maxMessagesPerSecond

	if raw := envOrDefault(os.LookupEnv, envVarAllowedOrigins, ""); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
		if _, err := origin.NewPolicy(cfg.AllowedOrigins); err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
		}
	}

	fs := flag.NewFlagSet("kcall-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.ListenAddr = *listenAddr

	switch LogFormat(strings.ToLower(logFormat)) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", logFormat)
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}

	return cfg, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
