package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iannil/code-coder-sub001/internal/affinity"
	"github.com/iannil/code-coder-sub001/internal/agents"
	"github.com/iannil/code-coder-sub001/internal/allowlist"
	"github.com/iannil/code-coder-sub001/internal/memory"
	"github.com/iannil/code-coder-sub001/internal/observability"
	"github.com/iannil/code-coder-sub001/internal/permission"
	"github.com/iannil/code-coder-sub001/internal/policy"
	"github.com/iannil/code-coder-sub001/internal/session"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

type AgentRegistry interface {
	Get(name string) (agents.Agent, error)
}

type SessionService interface {
	Prompt(ctx context.Context, req session.PromptRequest) (memory.Message, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]memory.Message, error)
}

type PermissionBroker interface {
	OnAsked(sessionID string, h permission.Handler) func()
	Reply(requestID string, decision permission.Decision, message string) error
	Cancel(requestID string) bool
}

type PolicyEngine interface {
	ShouldRequireApproval(ctx context.Context, permission, userID string) bool
}

type SessionResolver interface {
	Resolve(ctx context.Context, req affinity.Request) (string, error)
}

type Config struct {
	TaskTimeout time.Duration
	Workers     int
	QueueSize   int
}

type Deps struct {
	Registry  *tasks.Registry
	Bus       *tasks.Bus
	Agents    AgentRegistry
	Sessions  SessionService
	Broker    PermissionBroker
	Policy    PolicyEngine
	AllowList allowlist.Store
	Resolver  SessionResolver
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type SubmitRequest struct {
	Agent     string
	Prompt    string
	Model     string
	SessionID string
	Context   tasks.Context
}

type InteractRequest struct {
	Action    string
	Reply     string
	Reason    string
	RequestID string
}

// Service accepts task submissions and runs them on a fixed worker pool.
// Each worker owns its task from pickup to the finish event.
type Service struct {
	taskTimeout time.Duration
	workers     int

	registry  *tasks.Registry
	bus       *tasks.Bus
	agents    AgentRegistry
	sessions  SessionService
	broker    PermissionBroker
	policy    PolicyEngine
	allowList allowlist.Store
	resolver  SessionResolver
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	queue    chan string
	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
	pendingSince   map[string]time.Time
	closed         bool
}

func New(cfg Config, deps Deps) *Service {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if deps.Registry == nil {
		deps.Registry = tasks.NewRegistry()
	}
	if deps.Bus == nil {
		deps.Bus = tasks.NewBus(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.Tracer()
	}

	baseCtx, shutdown := context.WithCancel(context.Background())
	s := &Service{
		taskTimeout:    cfg.TaskTimeout,
		workers:        cfg.Workers,
		registry:       deps.Registry,
		bus:            deps.Bus,
		agents:         deps.Agents,
		sessions:       deps.Sessions,
		broker:         deps.Broker,
		policy:         deps.Policy,
		allowList:      deps.AllowList,
		resolver:       deps.Resolver,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		tracer:         deps.Tracer,
		queue:          make(chan string, cfg.QueueSize),
		baseCtx:        baseCtx,
		shutdown:       shutdown,
		runningCancels: make(map[string]context.CancelFunc),
		pendingSince:   make(map[string]time.Time),
	}
	s.bus.OnDrop(func(string, tasks.Event) { s.metrics.EventDropped() })

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Service) Registry() *tasks.Registry { return s.registry }

func (s *Service) Bus() *tasks.Bus { return s.bus }

func (s *Service) TaskTimeout() time.Duration { return s.taskTimeout }

// Submit validates and records a task, then hands it to the worker pool. The
// returned snapshot is already running.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (tasks.Task, error) {
	req.Agent = strings.TrimSpace(req.Agent)
	if req.Agent == "" {
		return tasks.Task{}, &ValidationError{Field: "agent", Message: "is required"}
	}
	if _, err := s.agents.Get(req.Agent); err != nil {
		return tasks.Task{}, &ValidationError{Field: "agent", Message: fmt.Sprintf("unknown agent %q", req.Agent), Err: err}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return tasks.Task{}, &ValidationError{Field: "prompt", Message: "is required"}
	}
	if err := policy.CheckPrompt(req.Prompt); err != nil {
		return tasks.Task{}, &ValidationError{Field: "prompt", Message: err.Error(), Err: err}
	}
	req.Context.Source = strings.TrimSpace(req.Context.Source)
	if req.Context.Source == "" {
		req.Context.Source = tasks.SourceRemote
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return tasks.Task{}, ErrShuttingDown
	}

	sessionID, err := s.resolver.Resolve(ctx, affinity.Request{
		SessionID:      req.SessionID,
		ConversationID: req.Context.ConversationID,
		UserID:         req.Context.UserID,
		Title:          policy.LogPreview(req.Prompt, 60),
	})
	if err != nil {
		return tasks.Task{}, fmt.Errorf("resolve session: %w", err)
	}

	task := s.registry.Create(tasks.CreateRequest{
		SessionID: sessionID,
		Agent:     req.Agent,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Context:   req.Context,
	})
	s.registry.SetRunning(task.ID)
	s.publish(task.ID, tasks.ProgressEvent(tasks.StageStarting, fmt.Sprintf("Starting %s agent", req.Agent)))
	s.metrics.TaskSubmitted(req.Agent)

	if err := s.enqueue(task.ID); err != nil {
		s.finish(task.ID, "", err)
		return tasks.Task{}, err
	}

	s.logger.Info("task submitted",
		"task_id", task.ID,
		"session_id", sessionID,
		"agent", req.Agent,
		"source", req.Context.Source,
		"prompt", policy.LogPreview(req.Prompt, 80),
	)
	return s.registry.Get(task.ID)
}

// enqueue holds mu so a concurrent Close either rejects the task or drains it.
func (s *Service) enqueue(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	select {
	case s.queue <- taskID:
		s.metrics.SetQueueDepth(len(s.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) Get(taskID string) (tasks.Task, error) {
	return s.registry.Get(taskID)
}

func (s *Service) List() []tasks.Task {
	return s.registry.List()
}

func (s *Service) Stats() tasks.Stats {
	return s.registry.Stats()
}

// Delete removes a terminal task.
func (s *Service) Delete(taskID string) error {
	return s.registry.Remove(taskID)
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case taskID := <-s.queue:
			s.metrics.SetQueueDepth(len(s.queue))
			s.safeRun(taskID)
		}
	}
}

func (s *Service) safeRun(taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task worker panicked", "task_id", taskID, "panic", r)
			s.finish(taskID, "", fmt.Errorf("internal error: %v", r))
		}
	}()
	s.run(taskID)
}

type promptResult struct {
	msg memory.Message
	err error
}

func (s *Service) run(taskID string) {
	task, err := s.registry.Get(taskID)
	if err != nil || task.Terminal() {
		return
	}

	ctx, span := s.tracer.Start(s.baseCtx, "task.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.agent", task.Agent),
		attribute.String("session.id", task.SessionID),
	))
	defer span.End()
	logger := s.logger.With("task_id", task.ID, "session_id", task.SessionID)
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With("trace_id", sc.TraceID().String())
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()
	s.setRunningCancel(task.ID, cancel)
	defer s.clearRunningCancel(task.ID)

	// Handlers are session-scoped; only requests raised by this task's prompt are claimed.
	release := s.broker.OnAsked(task.SessionID, func(req permission.Request) bool {
		if req.Origin != task.ID {
			return false
		}
		return s.onPermissionAsked(runCtx, task, req)
	})
	// Released before the finish event is published; a second call is a no-op.
	defer release()

	s.publish(task.ID, tasks.ProgressEvent(tasks.StageProcessing, "Agent is working"))

	done := make(chan promptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- promptResult{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		msg, err := s.sessions.Prompt(runCtx, session.PromptRequest{
			SessionID: task.SessionID,
			Origin:    task.ID,
			Agent:     task.Agent,
			Model:     task.Model,
			Text:      task.Prompt,
		})
		done <- promptResult{msg: msg, err: err}
	}()

	var res promptResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		select {
		case res = <-done:
		default:
		}
	}
	if runErr := runCtx.Err(); runErr != nil && (res.err != nil || res.msg.ID == "") {
		res.err = s.interruptionError(runErr)
		if pending, ok := s.registry.PendingConfirmation(task.ID); ok {
			s.broker.Cancel(pending.RequestID)
			s.approvalResolved(task.ID)
		}
	}

	release()

	output := ""
	if res.err == nil {
		output = s.outputFor(task.SessionID, res.msg)
	}
	s.finish(task.ID, output, res.err)

	outcome := "completed"
	if res.err != nil {
		outcome = "failed"
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		logger.Warn("task failed", "error", res.err)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("task completed", "duration", time.Since(started))
	}
	s.metrics.TaskFinished(outcome, time.Since(started))
}

func (s *Service) interruptionError(ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &TimeoutError{After: s.taskTimeout}
	}
	if s.baseCtx.Err() != nil {
		return ErrShuttingDown
	}
	return ctxErr
}

func (s *Service) onPermissionAsked(ctx context.Context, task tasks.Task, req permission.Request) bool {
	if task.Context.Source != tasks.SourceRemote {
		return false
	}
	if s.policy != nil && !s.policy.ShouldRequireApproval(ctx, req.Permission, task.Context.UserID) {
		return false
	}

	if !s.registry.SetAwaitingApproval(task.ID, req.ID, req.Permission, req.Message) {
		s.logger.Warn("rejecting concurrent approval request",
			"task_id", task.ID,
			"request_id", req.ID,
			"permission", req.Permission,
		)
		_ = s.broker.Reply(req.ID, permission.DecisionReject, "another approval is already pending")
		return true
	}

	s.mu.Lock()
	s.pendingSince[task.ID] = time.Now()
	s.mu.Unlock()
	s.metrics.ApprovalRequested()

	s.publish(task.ID, tasks.ProgressEvent(tasks.StageAwaitingApproval, fmt.Sprintf("Waiting for approval: %s", req.Permission)))
	s.publish(task.ID, tasks.ConfirmationEvent(req.ID, req.Permission, req.Message, req.Metadata))
	return true
}

// Interact answers the task's pending approval request.
func (s *Service) Interact(ctx context.Context, taskID string, req InteractRequest) (tasks.Task, error) {
	task, err := s.registry.Get(taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.Status != tasks.TaskStatusAwaitingApproval {
		return tasks.Task{}, fmt.Errorf("%w: task is %s", tasks.ErrInvalidTaskState, task.Status)
	}
	pending, ok := s.registry.PendingConfirmation(task.ID)
	if !ok {
		return tasks.Task{}, ErrNoPendingConfirmation
	}
	if id := strings.TrimSpace(req.RequestID); id != "" && id != pending.RequestID {
		return tasks.Task{}, fmt.Errorf("%w: request %s is not pending", ErrNoPendingConfirmation, id)
	}

	var decision permission.Decision
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		decision = permission.DecisionOnce
		if strings.TrimSpace(req.Reply) != "" {
			d, ok := permission.ParseDecision(req.Reply)
			if !ok || d == permission.DecisionReject {
				return tasks.Task{}, &ValidationError{Field: "reply", Message: `must be "once" or "always"`}
			}
			decision = d
		}
	case "reject":
		decision = permission.DecisionReject
	default:
		return tasks.Task{}, &ValidationError{Field: "action", Message: `must be "approve" or "reject"`}
	}

	if decision == permission.DecisionAlways && s.allowList != nil {
		if err := s.allowList.Allow(ctx, task.Context.UserID, pending.Permission); err != nil {
			s.logger.Warn("allowlist update failed",
				"task_id", task.ID,
				"user_id", task.Context.UserID,
				"permission", pending.Permission,
				"error", err,
			)
		}
	}

	s.registry.ClearPendingConfirmation(task.ID)
	s.approvalResolved(task.ID)

	// Progress goes out before the broker reply: the reply may let the task
	// finish and close its stream.
	if decision == permission.DecisionReject {
		msg := fmt.Sprintf("Rejected: %s", pending.Permission)
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			msg += " (" + reason + ")"
		}
		s.publish(task.ID, tasks.ProgressEvent(tasks.StageRejected, msg))
	} else {
		s.publish(task.ID, tasks.ProgressEvent(tasks.StageApproved, fmt.Sprintf("Approved: %s (%s)", pending.Permission, decision)))
	}

	if err := s.broker.Reply(pending.RequestID, decision, strings.TrimSpace(req.Reason)); err != nil {
		s.logger.Warn("approval reply not delivered", "task_id", task.ID, "request_id", pending.RequestID, "error", err)
	}
	s.logger.Info("approval decided",
		"task_id", task.ID,
		"request_id", pending.RequestID,
		"permission", pending.Permission,
		"decision", string(decision),
	)
	return s.registry.Get(task.ID)
}

// Close stops accepting work, cancels running tasks and fails queued ones.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.shutdown()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case taskID := <-s.queue:
			s.finish(taskID, "", ErrShuttingDown)
		default:
			return nil
		}
	}
}

func (s *Service) finish(taskID, output string, runErr error) {
	if runErr != nil {
		s.registry.Fail(taskID, runErr.Error())
		s.publish(taskID, tasks.FinishEvent(false, "", runErr.Error()))
	} else {
		s.publish(taskID, tasks.ProgressEvent(tasks.StageCompleting, "Collecting agent output"))
		s.registry.Complete(taskID, output)
		s.publish(taskID, tasks.FinishEvent(true, output, ""))
	}
	s.bus.Close(taskID)
}

// outputFor returns the text of the session's latest assistant message,
// falling back to the prompt reply.
func (s *Service) outputFor(sessionID string, reply memory.Message) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := s.sessions.Messages(ctx, sessionID, 10)
	if err != nil {
		s.logger.Warn("read session messages failed", "session_id", sessionID, "error", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == memory.RoleAssistant {
			return msgs[i].Text()
		}
	}
	return reply.Text()
}

func (s *Service) publish(taskID string, ev tasks.Event) {
	s.bus.Publish(taskID, ev)
	s.metrics.EventPublished(string(ev.Type))
}

func (s *Service) approvalResolved(taskID string) {
	s.mu.Lock()
	since, ok := s.pendingSince[taskID]
	delete(s.pendingSince, taskID)
	s.mu.Unlock()
	if ok {
		s.metrics.ApprovalResolved(time.Since(since))
	}
}

func (s *Service) setRunningCancel(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[taskID] = cancel
}

func (s *Service) clearRunningCancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, taskID)
}

// Running reports how many tasks are currently held by a worker.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runningCancels)
}
