package tasks

import "encoding/json"

type EventType string

const (
	EventProgress     EventType = "progress"
	EventConfirmation EventType = "confirmation"
	EventFinish       EventType = "finish"
)

// Progress stages.
const (
	StageStarting         = "starting"
	StageProcessing       = "processing"
	StageAwaitingApproval = "awaiting_approval"
	StageApproved         = "approved"
	StageRejected         = "rejected"
	StageCompleting       = "completing"
)

type ProgressData struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type ConfirmationData struct {
	RequestID  string         `json:"requestID"`
	Permission string         `json:"permission"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type FinishData struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event is one entry of a task's event stream. Exactly one of the data
// pointers is set, matching Type.
type Event struct {
	Type         EventType
	Progress     *ProgressData
	Confirmation *ConfirmationData
	Finish       *FinishData
}

func ProgressEvent(stage, message string) Event {
	return Event{Type: EventProgress, Progress: &ProgressData{Stage: stage, Message: message}}
}

func ConfirmationEvent(requestID, permission, message string, metadata map[string]any) Event {
	return Event{Type: EventConfirmation, Confirmation: &ConfirmationData{
		RequestID:  requestID,
		Permission: permission,
		Message:    message,
		Metadata:   metadata,
	}}
}

func FinishEvent(success bool, output, errText string) Event {
	return Event{Type: EventFinish, Finish: &FinishData{Success: success, Output: output, Error: errText}}
}

// FinishEventFor derives the finish event that corresponds to a terminal task.
func FinishEventFor(task Task) Event {
	if task.Status == TaskStatusCompleted {
		return FinishEvent(true, task.Output, "")
	}
	return FinishEvent(false, "", task.Error)
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Type {
	case EventProgress:
		data = e.Progress
	case EventConfirmation:
		data = e.Confirmation
	case EventFinish:
		data = e.Finish
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Data: raw})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type}
	if len(w.Data) == 0 || string(w.Data) == "null" {
		return nil
	}
	switch w.Type {
	case EventProgress:
		e.Progress = &ProgressData{}
		return json.Unmarshal(w.Data, e.Progress)
	case EventConfirmation:
		e.Confirmation = &ConfirmationData{}
		return json.Unmarshal(w.Data, e.Confirmation)
	case EventFinish:
		e.Finish = &FinishData{}
		return json.Unmarshal(w.Data, e.Finish)
	}
	return nil
}
