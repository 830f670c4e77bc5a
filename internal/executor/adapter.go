package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HistoryEntry is one prior message of the session, oldest first.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// MessageRequest is the normalized prompt sent to the agent backend.
type MessageRequest struct {
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	Agent     string         `json:"agent"`
	Model     string         `json:"model,omitempty"`
	System    string         `json:"system,omitempty"`
	InputText string         `json:"input_text"`
	History   []HistoryEntry `json:"history,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// PermissionAsker blocks until a tool permission is decided. It returns the
// grant ("once" or "always"); a non-nil error means the permission was refused
// and the prompt must stop.
type PermissionAsker func(ctx context.Context, permission, message string, metadata map[string]any) (string, error)

type Handlers struct {
	OnDelta DeltaHandler
	Ask     PermissionAsker
}

// Adapter runs one prompt against an agent backend.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, h Handlers) (MessageResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	HTTPURL     string
	HTTPRetries int
	HTTPTimeout time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL, cfg.HTTPRetries, cfg.HTTPTimeout), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("executor HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.HTTPRetries, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.Mode)
	}
}

func (h Handlers) emit(delta string) error {
	if h.OnDelta == nil || delta == "" {
		return nil
	}
	return h.OnDelta(delta)
}

func (h Handlers) ask(ctx context.Context, permission, message string, metadata map[string]any) (string, error) {
	if h.Ask == nil {
		return "once", nil
	}
	return h.Ask(ctx, permission, message, metadata)
}
