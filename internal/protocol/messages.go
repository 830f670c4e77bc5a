package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iannil/code-coder-sub001/internal/tasks"
)

// MessageType identifies websocket payload variants. Event frames sent by the
// server carry no type; they are stream.Frame values.
type MessageType string

const (
	TypeInteract       MessageType = "interact"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeInteractResult MessageType = "interact_result"
	TypeError          MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Interact answers the task's pending confirmation from the stream socket.
type Interact struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	Reply     string      `json:"reply,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	RequestID string      `json:"requestID,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type InteractResult struct {
	Type MessageType `json:"type"`
	Task tasks.Task  `json:"task"`
}

type Error struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func NewError(code, detail string) Error {
	return Error{Type: TypeError, Code: code, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInteract:
		var msg Interact
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.Action == "" {
			return nil, errors.New("invalid interact: action is required")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
