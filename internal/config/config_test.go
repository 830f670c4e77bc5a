package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TaskTimeout != 5*time.Minute {
		t.Fatalf("TaskTimeout = %v, want 5m", cfg.TaskTimeout)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.ExecutorMode != "auto" {
		t.Fatalf("ExecutorMode = %q, want %q", cfg.ExecutorMode, "auto")
	}
	if cfg.ExecutorHTTPURL != "" {
		t.Fatalf("ExecutorHTTPURL = %q, want empty default", cfg.ExecutorHTTPURL)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.TraceExporter != "none" || cfg.TraceSampleRate != 1.0 {
		t.Fatalf("tracing = %q/%v, want none/1", cfg.TraceExporter, cfg.TraceSampleRate)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TASK_TIMEOUT", "90s")
	t.Setenv("TASK_WORKERS", "4")
	t.Setenv("EXECUTOR_HTTP_URL", " http://localhost:7777/run ")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("TRACING_EXPORTER", "OTLP")
	t.Setenv("TRACING_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.TaskTimeout != 90*time.Second {
		t.Fatalf("TaskTimeout = %v, want 90s", cfg.TaskTimeout)
	}
	if cfg.TaskWorkers != 4 {
		t.Fatalf("TaskWorkers = %d, want 4", cfg.TaskWorkers)
	}
	if cfg.ExecutorHTTPURL != "http://localhost:7777/run" {
		t.Fatalf("ExecutorHTTPURL = %q, want trimmed value", cfg.ExecutorHTTPURL)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.TraceExporter != "otlp" || cfg.TraceOTLPEndpoint != "collector:4318" || cfg.TraceSampleRate != 0.25 {
		t.Fatalf("tracing = %q %q %v", cfg.TraceExporter, cfg.TraceOTLPEndpoint, cfg.TraceSampleRate)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TASK_TIMEOUT":         "soon",
		"TASK_WORKERS":         "0",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"TASK_QUEUE_SIZE":      "-1",
		"TRACING_EXPORTER":     "jaeger",
		"TRACING_SAMPLE_RATE":  "1.5",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"TASK_TIMEOUT",
		"TASK_HEARTBEAT_INTERVAL",
		"TASK_WORKERS",
		"TASK_QUEUE_SIZE",
		"TASK_SUBMIT_RATE_PER_MINUTE",
		"TASK_SUBMIT_BURST",
		"TASK_APPROVAL_MODE",
		"AGENTS_FILE",
		"EXECUTOR_MODE",
		"EXECUTOR_HTTP_URL",
		"EXECUTOR_HTTP_RETRIES",
		"EXECUTOR_HTTP_TIMEOUT",
		"DATABASE_URL",
		"SESSION_INACTIVITY_TIMEOUT",
		"SESSION_JANITOR_INTERVAL",
		"AFFINITY_CACHE_SIZE",
		"AFFINITY_TTL",
		"STREAM_SUBSCRIBER_QUEUE",
		"TRACING_EXPORTER",
		"TRACING_OTLP_ENDPOINT",
		"TRACING_ZIPKIN_ENDPOINT",
		"TRACING_SAMPLE_RATE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
