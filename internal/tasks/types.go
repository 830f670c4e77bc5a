package tasks

import "time"

type TaskStatus string

const (
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
)

// SourceRemote marks tasks submitted by an out-of-process client. Only these
// tasks surface approval requests to a human.
const SourceRemote = "remote"

type Context struct {
	Source         string `json:"source"`
	UserID         string `json:"userID"`
	Platform       string `json:"platform"`
	ConversationID string `json:"conversationId,omitempty"`
}

type PendingConfirmation struct {
	RequestID  string `json:"requestID"`
	Permission string `json:"permission"`
	Message    string `json:"message"`
}

type Task struct {
	ID                  string               `json:"id"`
	SessionID           string               `json:"sessionID"`
	Agent               string               `json:"agent"`
	Prompt              string               `json:"prompt"`
	Model               string               `json:"model,omitempty"`
	Context             Context              `json:"context"`
	Status              TaskStatus           `json:"status"`
	Output              string               `json:"output,omitempty"`
	Error               string               `json:"error,omitempty"`
	PendingConfirmation *PendingConfirmation `json:"pendingConfirmation,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	StartedAt           *time.Time           `json:"startedAt,omitempty"`
	EndedAt             *time.Time           `json:"endedAt,omitempty"`
}

type CreateRequest struct {
	SessionID string
	Agent     string
	Prompt    string
	Model     string
	Context   Context
}

type Stats struct {
	Total            int `json:"total"`
	Queued           int `json:"queued"`
	Running          int `json:"running"`
	AwaitingApproval int `json:"awaitingApproval"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
}

func (t Task) Clone() Task {
	out := t
	if t.PendingConfirmation != nil {
		pc := *t.PendingConfirmation
		out.PendingConfirmation = &pc
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		out.StartedAt = &at
	}
	if t.EndedAt != nil {
		at := *t.EndedAt
		out.EndedAt = &at
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
