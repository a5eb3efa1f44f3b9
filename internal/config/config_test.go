package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Scrub the variables Load consults so host state can't leak in.
	for _, key := range []string{envVarPort, envVarLogFormat, envVarLogLevel, envVarShutdownTimeout, envVarMaxMessageBytes, envVarMaxMessagesPerSecond} {
		t.Setenv(key, "")
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":3000" {
		t.Fatalf("ListenAddr=%q, want :3000", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v", cfg.LogLevel)
	}
	if cfg.MaxMessageBytes != defaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != defaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d", cfg.MaxMessagesPerSecond)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv(envVarPort, "8080")
	t.Setenv(envVarLogFormat, "json")
	t.Setenv(envVarLogLevel, "debug")
	t.Setenv(envVarShutdownTimeout, "3s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr=%q, want :8080", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel=%v", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}

	// Flags override the environment.
	cfg, err = Load([]string{"-listen", ":9999", "-log-format", "text"})
	if err != nil {
		t.Fatalf("Load with flags: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr=%q, want :9999", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text", cfg.LogFormat)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", envVarPort, "not-a-port"},
		{"bad timeout", envVarShutdownTimeout, "soon"},
		{"bad max bytes", envVarMaxMessageBytes, "-1"},
		{"bad rate", envVarMaxMessagesPerSecond, "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(nil); err == nil {
				t.Fatalf("Load accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestLoad_UnsupportedLogLevel(t *testing.T) {
	t.Setenv(envVarLogLevel, "loud")
	if _, err := Load(nil); err == nil {
		t.Fatalf("Load accepted bogus log level")
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv(envVarAllowedOrigins, "https://app.example.com, http://localhost:3000")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
		}
	}

	t.Setenv(envVarAllowedOrigins, "not a url")
	if _, err := Load(nil); err == nil {
		t.Fatal("Load accepted a malformed allowed origin")
	}
}
