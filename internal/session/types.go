package session

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	UserID         string    `json:"userID,omitempty"`
	Prompts        int       `json:"prompts"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Title  string `json:"title"`
	UserID string `json:"userID"`
}

// PromptRequest is one user turn sent to an agent inside a session.
type PromptRequest struct {
	SessionID string
	// Origin is copied onto permission requests raised by this prompt.
	Origin    string
	Agent     string
	Model     string
	System    string
	Text      string
}
