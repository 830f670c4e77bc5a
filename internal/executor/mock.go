package executor

import (
	"context"
	"fmt"
	"strings"
)

var (
	editVerbs = []string{"write", "edit", "create", "add", "modify", "fix", "refactor", "delete", "remove", "rename"}
	bashVerbs = []string{"run ", "execute", "install", "build the", "test the", "deploy"}
)

// MockAdapter provides deterministic local replies when no agent backend is
// configured. Prompts that imply file changes or shell commands ask for the
// matching permission first.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req MessageRequest, h Handlers) (MessageResponse, error) {
	select {
	case <-ctx.Done():
		return MessageResponse{}, ctx.Err()
	default:
	}

	prompt := strings.TrimSpace(req.InputText)
	lower := strings.ToLower(prompt)

	if containsAny(lower, editVerbs) {
		if _, err := h.ask(ctx, "edit", fmt.Sprintf("Allow file edits for: %s", truncate(prompt, 120)), map[string]any{
			"agent": req.Agent,
		}); err != nil {
			return MessageResponse{}, err
		}
	}
	if containsAny(lower, bashVerbs) {
		if _, err := h.ask(ctx, "bash", fmt.Sprintf("Allow shell commands for: %s", truncate(prompt, 120)), nil); err != nil {
			return MessageResponse{}, err
		}
	}

	text := buildMockReply(req)
	if err := h.emit(text); err != nil {
		return MessageResponse{}, err
	}
	return MessageResponse{Text: text}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "nothing to do"
	}
	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		agent = "agent"
	}
	if len(req.History) == 0 {
		return fmt.Sprintf("[%s] done: %s", agent, base)
	}
	return fmt.Sprintf("[%s] done: %s (continuing from %d earlier message(s))", agent, base, len(req.History))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
