package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "grimoire.db"
	defaultCapCents        = int64(10_000)
	defaultMaxStreams      = 5
	defaultDispatchBaseURL = "https://api.github.com"

	envListenAddr      = "GRIMOIRE_LISTEN_ADDR"
	envDBPath          = "GRIMOIRE_DB_PATH"
	envLogLevel        = "GRIMOIRE_LOG_LEVEL"
	envDefaultCapCents = "GRIMOIRE_DEFAULT_BUDGET_CAP_CENTS"
	envMaxStreams      = "GRIMOIRE_MAX_STREAMS_PER_CALLER"
	envDispatchBaseURL = "GRIMOIRE_DISPATCH_BASE_URL"
	envDispatchAppID   = "GRIMOIRE_DISPATCH_APP_ID"
	envDispatchKeyPath = "GRIMOIRE_DISPATCH_PRIVATE_KEY_PATH"
	envRedisAddr       = "GRIMOIRE_REDIS_ADDR"
	envS3Bucket        = "GRIMOIRE_ARTIFACT_S3_BUCKET"
	envS3Region        = "GRIMOIRE_ARTIFACT_S3_REGION"
	envS3Endpoint      = "GRIMOIRE_ARTIFACT_S3_ENDPOINT"
	envS3PathStyle     = "GRIMOIRE_ARTIFACT_S3_PATH_STYLE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DefaultCapCents is the monthly budget cap for callers without an
	// explicit budget row.
	DefaultCapCents int64
	// MaxStreamsPerCaller bounds concurrent SSE subscriptions per caller.
	MaxStreamsPerCaller int

	// Workflow platform credentials. DispatchAppID empty disables the
	// workflow engine.
	DispatchBaseURL        string
	DispatchAppID          string
	DispatchPrivateKeyPath string

	// RedisAddr empty keeps token caches in process memory.
	RedisAddr string

	// S3Bucket empty keeps artifacts in process memory.
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:          defaultListenAddr,
		DBPath:              defaultDBPath,
		LogLevel:            slog.LevelInfo,
		DefaultCapCents:     defaultCapCents,
		MaxStreamsPerCaller: defaultMaxStreams,
		DispatchBaseURL:     defaultDispatchBaseURL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDefaultCapCents); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.DefaultCapCents = n
		}
	}
	if v := os.Getenv(envMaxStreams); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxStreamsPerCaller = n
		}
	}
	if v := os.Getenv(envDispatchBaseURL); v != "" {
		cfg.DispatchBaseURL = v
	}
	cfg.DispatchAppID = os.Getenv(envDispatchAppID)
	cfg.DispatchPrivateKeyPath = os.Getenv(envDispatchKeyPath)
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	cfg.S3Bucket = os.Getenv(envS3Bucket)
	cfg.S3Region = os.Getenv(envS3Region)
	cfg.S3Endpoint = os.Getenv(envS3Endpoint)
	if v := os.Getenv(envS3PathStyle); v != "" {
		cfg.S3PathStyle = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
