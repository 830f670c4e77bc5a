package execution

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iannil/code-coder-sub001/internal/executor"
	"github.com/iannil/code-coder-sub001/internal/memory"
)

// Runner drives one prompt through the executor adapter and assembles the
// assistant message from the streamed deltas.
type Runner struct {
	adapter executor.Adapter
}

func NewRunner(adapter executor.Adapter) *Runner {
	return &Runner{adapter: adapter}
}

type Input struct {
	SessionID string
	Agent     string
	Model     string
	System    string
	Text      string
	History   []memory.Message
}

func (r *Runner) Run(ctx context.Context, in Input, ask executor.PermissionAsker, onDelta func(string) error) (memory.Message, error) {
	msg := memory.Message{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Role:      memory.RoleAssistant,
		Agent:     in.Agent,
		CreatedAt: time.Now().UTC(),
	}

	var out strings.Builder
	res, err := r.adapter.StreamResponse(ctx, executor.MessageRequest{
		SessionID: in.SessionID,
		MessageID: msg.ID,
		Agent:     in.Agent,
		Model:     in.Model,
		System:    in.System,
		InputText: in.Text,
		History:   historyEntries(in.History),
	}, executor.Handlers{
		Ask: ask,
		OnDelta: func(delta string) error {
			if delta == "" {
				return nil
			}
			out.WriteString(delta)
			if onDelta != nil {
				return onDelta(delta)
			}
			return nil
		},
	})
	if err != nil {
		msg.Error = err.Error()
		if text := strings.TrimSpace(out.String()); text != "" {
			msg.Parts = []memory.Part{{Type: "text", Text: text}}
		}
		return msg, err
	}

	final := strings.TrimSpace(out.String())
	if final == "" {
		final = strings.TrimSpace(res.Text)
	}
	if final != "" {
		msg.Parts = []memory.Part{{Type: "text", Text: final}}
	}
	return msg, nil
}

func historyEntries(msgs []memory.Message) []executor.HistoryEntry {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]executor.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, executor.HistoryEntry{Role: m.Role, Text: text})
	}
	return out
}
