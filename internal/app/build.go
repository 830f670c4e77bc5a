package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iannil/code-coder-sub001/internal/affinity"
	"github.com/iannil/code-coder-sub001/internal/agents"
	"github.com/iannil/code-coder-sub001/internal/allowlist"
	"github.com/iannil/code-coder-sub001/internal/config"
	"github.com/iannil/code-coder-sub001/internal/execution"
	"github.com/iannil/code-coder-sub001/internal/executor"
	"github.com/iannil/code-coder-sub001/internal/httpapi"
	"github.com/iannil/code-coder-sub001/internal/memory"
	"github.com/iannil/code-coder-sub001/internal/observability"
	"github.com/iannil/code-coder-sub001/internal/permission"
	"github.com/iannil/code-coder-sub001/internal/policy"
	"github.com/iannil/code-coder-sub001/internal/session"
	"github.com/iannil/code-coder-sub001/internal/stream"
	"github.com/iannil/code-coder-sub001/internal/taskruntime"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Agents      *agents.Registry
	Sessions    *session.Service
	TaskService *taskruntime.Service
	Metrics     *observability.Metrics
	Tracing     *observability.TracerProvider
	Logger      *slog.Logger
	StoreMode   string

	closers []func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	res := &BuildResult{Config: cfg, Metrics: metrics, Logger: logger, StoreMode: "in-memory"}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		res.StoreMode = "postgres"
	}

	tracing, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Exporter:       cfg.TraceExporter,
		OTLPEndpoint:   cfg.TraceOTLPEndpoint,
		ZipkinEndpoint: cfg.TraceZipkinEndpoint,
		SampleRate:     cfg.TraceSampleRate,
		ServiceName:    cfg.MetricsNamespace,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	res.Tracing = tracing

	registry, err := agents.Load(cfg.AgentsFile)
	if err != nil {
		_ = res.Close(ctx)
		return nil, err
	}
	res.Agents = registry

	approvalMode, err := policy.ParseApprovalMode(cfg.ApprovalMode)
	if err != nil {
		_ = res.Close(ctx)
		return nil, err
	}

	adapter, err := executor.NewAdapter(executor.Config{
		Mode:        cfg.ExecutorMode,
		HTTPURL:     cfg.ExecutorHTTPURL,
		HTTPRetries: cfg.ExecutorHTTPRetries,
		HTTPTimeout: cfg.ExecutorHTTPTimeout,
	})
	if err != nil {
		_ = res.Close(ctx)
		return nil, fmt.Errorf("executor init failed: %w", err)
	}

	transcripts, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = res.Close(ctx)
		return nil, err
	}
	res.closers = append(res.closers, transcripts.Close)

	allow, err := allowlist.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = res.Close(ctx)
		return nil, fmt.Errorf("allow-list store: %w", err)
	}
	res.closers = append(res.closers, allow.Close)

	mappings, err := affinity.NewStore(ctx, cfg.DatabaseURL, cfg.AffinityCacheSize, cfg.AffinityTTL)
	if err != nil {
		_ = res.Close(ctx)
		return nil, fmt.Errorf("affinity store: %w", err)
	}
	res.closers = append(res.closers, mappings.Close)

	// Requests no running task claims come from local callers; they are
	// granted once.
	broker := permission.NewBroker(func(_ context.Context, req permission.Request) permission.Decision {
		logger.Debug("permission auto-approved", "session_id", req.SessionID, "permission", req.Permission)
		return permission.DecisionOnce
	})

	sessions := session.NewService(execution.NewRunner(adapter), transcripts, broker, cfg.SessionInactivityTTL, logger)
	sessions.SetExpireHook(func(s session.Session) {
		logger.Info("session expired", "session_id", s.ID, "prompts", s.Prompts)
	})
	res.Sessions = sessions

	taskService := taskruntime.New(taskruntime.Config{
		TaskTimeout: cfg.TaskTimeout,
		Workers:     cfg.TaskWorkers,
		QueueSize:   cfg.TaskQueueSize,
	}, taskruntime.Deps{
		Registry:  tasks.NewRegistry(),
		Bus:       tasks.NewBus(cfg.StreamSubscriberQueue),
		Agents:    registry,
		Sessions:  sessions,
		Broker:    broker,
		Policy:    policy.NewEngine(approvalMode, allow, logger),
		AllowList: allow,
		Resolver:  affinity.NewResolver(mappings, sessions, logger),
		Metrics:   metrics,
		Logger:    logger,
		Tracer:    tracing.Tracer(),
	})
	res.TaskService = taskService

	bridge := stream.NewBridge(taskService.Registry(), taskService.Bus(), cfg.HeartbeatInterval, metrics, logger)
	stores := []any{transcripts, allow, mappings}
	res.API = httpapi.New(httpapi.Options{
		Config:    cfg,
		Tasks:     taskService,
		Streams:   bridge,
		Agents:    registry,
		Metrics:   metrics,
		Logger:    logger,
		StoreMode: res.StoreMode,
		Ready: func(ctx context.Context) error {
			for _, s := range stores {
				if p, ok := s.(pinger); ok {
					if err := p.Ping(ctx); err != nil {
						return fmt.Errorf("store unavailable: %w", err)
					}
				}
			}
			return nil
		},
	})
	return res, nil
}

// Serve runs the HTTP server and the session janitor until ctx ends, then
// shuts both down within the configured timeout.
func (b *BuildResult) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: b.API.Router()}

	g, gctx := errgroup.WithContext(ctx)
	b.Sessions.StartJanitor(gctx, b.Config.SessionJanitorEvery)

	g.Go(func() error {
		b.Logger.Info("server listening", "addr", ln.Addr().String(), "store_mode", b.StoreMode)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		b.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.Config.ShutdownTimeout)
		defer cancel()
		// Stop the workers first so open streams receive their finish frames.
		if err := b.TaskService.Close(shutdownCtx); err != nil {
			b.Logger.Warn("task service shutdown incomplete", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})
	return g.Wait()
}

// Close releases the task service and backing stores, then flushes spans.
func (b *BuildResult) Close(ctx context.Context) error {
	var errs []error
	if b.TaskService != nil {
		if err := b.TaskService.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if err := b.Tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	b.Tracing = nil
	return errors.Join(errs...)
}
