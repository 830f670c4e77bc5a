package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iannil/code-coder-sub001/internal/taskruntime"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

type createTaskRequest struct {
	Agent     string        `json:"agent"`
	Prompt    string        `json:"prompt"`
	Model     string        `json:"model"`
	SessionID string        `json:"sessionID"`
	Context   tasks.Context `json:"context"`
}

type interactRequest struct {
	Action    string `json:"action"`
	Reply     string `json:"reply"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestID"`
}

type listTasksResponse struct {
	Tasks []tasks.Task `json:"tasks"`
	Stats tasks.Stats  `json:"stats"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.tasks.Submit(r.Context(), taskruntime.SubmitRequest{
		Agent:     req.Agent,
		Prompt:    req.Prompt,
		Model:     strings.TrimSpace(req.Model),
		SessionID: strings.TrimSpace(req.SessionID),
		Context:   req.Context,
	})
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionID"))

	all := s.tasks.List()
	out := make([]tasks.Task, 0, len(all))
	for _, task := range all {
		if status != "" && task.Status != status {
			continue
		}
		if sessionID != "" && task.SessionID != sessionID {
			continue
		}
		out = append(out, task)
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: out, Stats: s.tasks.Stats()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if err := s.tasks.Delete(taskID); err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": taskID})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req interactRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "action is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.tasks.Interact(r.Context(), chi.URLParam(r, "id"), taskruntime.InteractRequest{
		Action:    req.Action,
		Reply:     req.Reply,
		Reason:    req.Reason,
		RequestID: req.RequestID,
	})
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}
