package affinity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/iannil/code-coder-sub001/internal/session"
)

// Sessions is the part of the session service the resolver needs.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Session, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
}

type Request struct {
	SessionID      string
	ConversationID string
	UserID         string
	Title          string
}

// Resolver picks the agent session a submission runs in. An explicit
// session id wins; otherwise the conversation's mapped session is reused
// while it still exists, and a fresh session is created and mapped when it
// does not.
type Resolver struct {
	store    Store
	sessions Sessions
	logger   *slog.Logger
	group    singleflight.Group
}

func NewResolver(store Store, sessions Sessions, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, sessions: sessions, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id, nil
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return r.create(ctx, req)
	}

	v, err, _ := r.group.Do(conversationID, func() (any, error) {
		return r.resolveConversation(ctx, conversationID, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolveConversation(ctx context.Context, conversationID string, req Request) (string, error) {
	if r.store != nil {
		sessionID, ok, err := r.store.Get(ctx, conversationID)
		if err != nil {
			r.logger.Warn("conversation mapping lookup failed", "conversation_id", conversationID, "error", err)
		}
		if err == nil && ok {
			if _, err := r.sessions.Get(ctx, sessionID); err == nil {
				return sessionID, nil
			}
			r.logger.Info("conversation session gone, starting a new one",
				"conversation_id", conversationID,
				"session_id", sessionID,
			)
			if err := r.store.Delete(ctx, conversationID); err != nil {
				r.logger.Warn("delete stale conversation mapping failed", "conversation_id", conversationID, "error", err)
			}
		}
	}

	sessionID, err := r.create(ctx, req)
	if err != nil {
		return "", err
	}
	if r.store != nil {
		if err := r.store.Set(ctx, conversationID, sessionID); err != nil {
			r.logger.Warn("save conversation mapping failed", "conversation_id", conversationID, "error", err)
		}
	}
	return sessionID, nil
}

func (r *Resolver) create(ctx context.Context, req Request) (string, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "remote task"
	}
	sess, err := r.sessions.Create(ctx, session.CreateRequest{Title: title, UserID: req.UserID})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, nil
}
