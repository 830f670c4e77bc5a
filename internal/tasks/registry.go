package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
)

// Registry is the authoritative in-memory record of every task. All
// mutators are no-ops on unknown ids and on tasks that already reached a
// terminal status.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Create(req CreateRequest) Task {
	now := r.now()
	task := &Task{
		ID:        uuid.NewString(),
		SessionID: strings.TrimSpace(req.SessionID),
		Agent:     strings.TrimSpace(req.Agent),
		Prompt:    req.Prompt,
		Model:     strings.TrimSpace(req.Model),
		Context:   req.Context,
		Status:    TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
	return task.Clone()
}

func (r *Registry) Get(taskID string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// List returns every task, newest first.
func (r *Registry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Remove(taskID string) error {
	taskID = strings.TrimSpace(taskID)

	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !task.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrInvalidTaskState, task.Status)
	}
	delete(r.tasks, taskID)
	return nil
}

func (r *Registry) SetRunning(taskID string) {
	r.mutate(taskID, func(task *Task, now time.Time) {
		if task.Status != TaskStatusQueued {
			return
		}
		task.Status = TaskStatusRunning
		task.StartedAt = &now
	})
}

func (r *Registry) Complete(taskID, output string) {
	r.mutate(taskID, func(task *Task, now time.Time) {
		task.Status = TaskStatusCompleted
		task.Output = output
		task.Error = ""
		task.PendingConfirmation = nil
		task.EndedAt = &now
	})
}

func (r *Registry) Fail(taskID, errText string) {
	r.mutate(taskID, func(task *Task, now time.Time) {
		task.Status = TaskStatusFailed
		task.Error = errText
		task.Output = ""
		task.PendingConfirmation = nil
		task.EndedAt = &now
	})
}

// SetAwaitingApproval records the pending confirmation. It returns false when
// the task is unknown, not running, or already has a confirmation pending.
func (r *Registry) SetAwaitingApproval(taskID, requestID, permission, message string) bool {
	applied := false
	r.mutate(taskID, func(task *Task, _ time.Time) {
		if task.Status != TaskStatusRunning || task.PendingConfirmation != nil {
			return
		}
		task.Status = TaskStatusAwaitingApproval
		task.PendingConfirmation = &PendingConfirmation{
			RequestID:  requestID,
			Permission: permission,
			Message:    message,
		}
		applied = true
	})
	return applied
}

func (r *Registry) ClearPendingConfirmation(taskID string) {
	r.mutate(taskID, func(task *Task, _ time.Time) {
		task.PendingConfirmation = nil
		if task.Status == TaskStatusAwaitingApproval {
			task.Status = TaskStatusRunning
		}
	})
}

func (r *Registry) PendingConfirmation(taskID string) (PendingConfirmation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[strings.TrimSpace(taskID)]
	if !ok || task.PendingConfirmation == nil {
		return PendingConfirmation{}, false
	}
	return *task.PendingConfirmation, true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, task := range r.tasks {
		s.Total++
		switch task.Status {
		case TaskStatusQueued:
			s.Queued++
		case TaskStatusRunning:
			s.Running++
		case TaskStatusAwaitingApproval:
			s.AwaitingApproval++
		case TaskStatusCompleted:
			s.Completed++
		case TaskStatusFailed:
			s.Failed++
		}
	}
	return s
}

func (r *Registry) mutate(taskID string, fn func(task *Task, now time.Time)) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[strings.TrimSpace(taskID)]
	if !ok || task.Terminal() {
		return
	}
	before := *task
	fn(task, now)
	if task.Status != before.Status || task.PendingConfirmation != before.PendingConfirmation ||
		task.Output != before.Output || task.Error != before.Error {
		task.UpdatedAt = now
	}
}
