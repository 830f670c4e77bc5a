package memory

import (
	"context"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part is one piece of a message. Only text parts carry Text.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message stores a single user or assistant turn of a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	Role      string    `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Parts     []Part    `json:"parts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Store persists and retrieves session transcripts.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	// Messages returns up to limit of the latest messages in chronological
	// order. limit <= 0 returns all of them.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
