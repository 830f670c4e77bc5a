package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iannil/code-coder-sub001/internal/execution"
	"github.com/iannil/code-coder-sub001/internal/memory"
	"github.com/iannil/code-coder-sub001/internal/permission"
)

const historyLimit = 20

type entry struct {
	session Session
	// lock serializes prompts on the session; a buffered channel so waiters
	// can give up when their context ends.
	lock     chan struct{}
	inflight int
}

// Service owns agent sessions: creation, transcripts and prompt execution.
type Service struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session)

	runner      *execution.Runner
	transcripts memory.Store
	broker      *permission.Broker
	logger      *slog.Logger
}

func NewService(runner *execution.Runner, transcripts memory.Store, broker *permission.Broker, inactivityTimeout time.Duration, logger *slog.Logger) *Service {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if transcripts == nil {
		transcripts = memory.NewInMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		runner:            runner,
		transcripts:       transcripts,
		broker:            broker,
		logger:            logger,
	}
}

func (s *Service) SetExpireHook(hook func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = hook
}

func (s *Service) Create(_ context.Context, req CreateRequest) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:             "ses_" + uuid.NewString(),
		Title:          strings.TrimSpace(req.Title),
		UserID:         strings.TrimSpace(req.UserID),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{session: sess, lock: make(chan struct{}, 1)}
	s.mu.Unlock()
	return sess, nil
}

func (s *Service) Get(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

func (s *Service) Delete(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.forget(ctx, sessionID)
	return nil
}

// Prompt runs one user turn and returns the assistant message. Prompts on the
// same session run one at a time.
func (s *Service) Prompt(ctx context.Context, req PromptRequest) (memory.Message, error) {
	e, err := s.acquire(ctx, req.SessionID)
	if err != nil {
		return memory.Message{}, err
	}
	defer s.release(e)

	history, err := s.transcripts.Messages(ctx, e.session.ID, historyLimit)
	if err != nil {
		s.logger.Warn("load session history failed", "session_id", e.session.ID, "error", err)
		history = nil
	}

	userMsg := memory.Message{
		ID:        uuid.NewString(),
		SessionID: e.session.ID,
		Role:      memory.RoleUser,
		Agent:     req.Agent,
		Parts:     []memory.Part{{Type: "text", Text: req.Text}},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.transcripts.SaveMessage(ctx, userMsg); err != nil {
		return memory.Message{}, fmt.Errorf("save user message: %w", err)
	}

	ask := func(ctx context.Context, perm, message string, metadata map[string]any) (string, error) {
		if s.broker == nil {
			return string(permission.DecisionOnce), nil
		}
		decision, err := s.broker.Ask(ctx, permission.Request{
			SessionID:  e.session.ID,
			Origin:     req.Origin,
			Permission: perm,
			Message:    message,
			Metadata:   metadata,
		})
		return string(decision), err
	}

	reply, runErr := s.runner.Run(ctx, execution.Input{
		SessionID: e.session.ID,
		Agent:     req.Agent,
		Model:     req.Model,
		System:    req.System,
		Text:      req.Text,
		History:   history,
	}, ask, nil)

	// Persist even on failure so the transcript shows what happened; the
	// prompt's own context may already be done.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.transcripts.SaveMessage(saveCtx, reply); err != nil {
		s.logger.Warn("save assistant message failed", "session_id", e.session.ID, "error", err)
	}
	if runErr != nil {
		return reply, runErr
	}
	return reply, nil
}

func (s *Service) Messages(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.transcripts.Messages(ctx, strings.TrimSpace(sessionID), limit)
}

func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireInactive(ctx)
			}
		}
	}()
}

func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Service) acquire(ctx context.Context, sessionID string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.sessions[strings.TrimSpace(sessionID)]
	if ok {
		e.inflight++
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		e.inflight--
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	e.session.Prompts++
	e.session.LastActivityAt = time.Now().UTC()
	s.mu.Unlock()
	return e, nil
}

func (s *Service) release(e *entry) {
	s.mu.Lock()
	e.inflight--
	e.session.LastActivityAt = time.Now().UTC()
	s.mu.Unlock()
	<-e.lock
}

func (s *Service) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var expired []Session

	s.mu.Lock()
	for id, e := range s.sessions {
		if e.inflight > 0 {
			continue
		}
		if now.Sub(e.session.LastActivityAt) < s.inactivityTimeout {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, e.session)
	}
	hook := s.onExpire
	s.mu.Unlock()

	for _, sess := range expired {
		s.forget(ctx, sess.ID)
		if hook != nil {
			hook(sess)
		}
	}
}

func (s *Service) forget(ctx context.Context, sessionID string) {
	if err := s.transcripts.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Warn("delete session transcript failed", "session_id", sessionID, "error", err)
	}
	if s.broker != nil {
		s.broker.ForgetSession(sessionID)
	}
}
