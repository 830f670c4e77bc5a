package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from the environment.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	AllowAnyOrigin   bool

	TaskTimeout           time.Duration
	HeartbeatInterval     time.Duration
	TaskWorkers           int
	TaskQueueSize         int
	SubmitRatePerMinute   int
	SubmitBurst           int
	ApprovalMode          string
	AgentsFile            string
	ExecutorMode          string
	ExecutorHTTPURL       string
	ExecutorHTTPRetries   int
	ExecutorHTTPTimeout   time.Duration
	DatabaseURL           string
	SessionInactivityTTL  time.Duration
	SessionJanitorEvery   time.Duration
	AffinityCacheSize     int
	AffinityTTL           time.Duration
	StreamSubscriberQueue int

	TraceExporter       string
	TraceOTLPEndpoint   string
	TraceZipkinEndpoint string
	TraceSampleRate     float64
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":4400"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "taskd"),
		LogLevel:              envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("APP_LOG_FORMAT", "text"),
		ApprovalMode:          envOrDefault("TASK_APPROVAL_MODE", "risky"),
		AgentsFile:            stringsTrimSpace("AGENTS_FILE"),
		ExecutorMode:          envOrDefault("EXECUTOR_MODE", "auto"),
		ExecutorHTTPURL:       stringsTrimSpace("EXECUTOR_HTTP_URL"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		TraceExporter:         strings.ToLower(envOrDefault("TRACING_EXPORTER", "none")),
		TraceOTLPEndpoint:     stringsTrimSpace("TRACING_OTLP_ENDPOINT"),
		TraceZipkinEndpoint:   stringsTrimSpace("TRACING_ZIPKIN_ENDPOINT"),
		ShutdownTimeout:       15 * time.Second,
		TaskTimeout:           5 * time.Minute,
		HeartbeatInterval:     15 * time.Second,
		TaskWorkers:           32,
		TaskQueueSize:         256,
		SubmitBurst:           10,
		ExecutorHTTPRetries:   2,
		ExecutorHTTPTimeout:   10 * time.Minute,
		SessionInactivityTTL:  30 * time.Minute,
		SessionJanitorEvery:   time.Minute,
		AffinityCacheSize:     4096,
		AffinityTTL:           24 * time.Hour,
		StreamSubscriberQueue: 64,
		TraceSampleRate:       1.0,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"TASK_TIMEOUT", &cfg.TaskTimeout},
		{"TASK_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"EXECUTOR_HTTP_TIMEOUT", &cfg.ExecutorHTTPTimeout},
		{"SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTTL},
		{"SESSION_JANITOR_INTERVAL", &cfg.SessionJanitorEvery},
		{"AFFINITY_TTL", &cfg.AffinityTTL},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TASK_WORKERS", &cfg.TaskWorkers},
		{"TASK_QUEUE_SIZE", &cfg.TaskQueueSize},
		{"TASK_SUBMIT_RATE_PER_MINUTE", &cfg.SubmitRatePerMinute},
		{"TASK_SUBMIT_BURST", &cfg.SubmitBurst},
		{"EXECUTOR_HTTP_RETRIES", &cfg.ExecutorHTTPRetries},
		{"AFFINITY_CACHE_SIZE", &cfg.AffinityCacheSize},
		{"STREAM_SUBSCRIBER_QUEUE", &cfg.StreamSubscriberQueue},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.TraceSampleRate, err = floatFromEnv("TRACING_SAMPLE_RATE", cfg.TraceSampleRate)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TaskTimeout < time.Second {
		return fmt.Errorf("TASK_TIMEOUT must be at least 1s")
	}
	if c.HeartbeatInterval < 100*time.Millisecond {
		return fmt.Errorf("TASK_HEARTBEAT_INTERVAL must be at least 100ms")
	}
	if c.TaskWorkers <= 0 {
		return fmt.Errorf("TASK_WORKERS must be positive")
	}
	if c.TaskQueueSize <= 0 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be positive")
	}
	if c.SubmitRatePerMinute < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("TASK_SUBMIT_RATE_PER_MINUTE and TASK_SUBMIT_BURST must be >= 0")
	}
	if c.ExecutorHTTPRetries < 0 {
		return fmt.Errorf("EXECUTOR_HTTP_RETRIES must be >= 0")
	}
	if c.SessionInactivityTTL < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.AffinityCacheSize <= 0 {
		return fmt.Errorf("AFFINITY_CACHE_SIZE must be positive")
	}
	if c.StreamSubscriberQueue <= 0 {
		return fmt.Errorf("STREAM_SUBSCRIBER_QUEUE must be positive")
	}
	switch c.TraceExporter {
	case "none", "otlp", "zipkin":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be none, otlp or zipkin")
	}
	if c.TraceSampleRate <= 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be in (0, 1]")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
