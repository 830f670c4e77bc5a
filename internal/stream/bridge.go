package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/iannil/code-coder-sub001/internal/observability"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

const DefaultHeartbeat = 15 * time.Second

// Frame is one numbered event on a client stream. IDs start at 1 per stream.
type Frame struct {
	ID    int         `json:"id"`
	Event tasks.Event `json:"event"`
}

// Sink writes frames to one client transport.
type Sink interface {
	Send(Frame) error
	Heartbeat() error
}

// Named sinks report their transport in stream metrics.
type Named interface {
	Transport() string
}

// Bridge turns a task's bus topic into a client stream.
type Bridge struct {
	registry  *tasks.Registry
	bus       *tasks.Bus
	heartbeat time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewBridge(registry *tasks.Registry, bus *tasks.Bus, heartbeat time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Bridge {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry:  registry,
		bus:       bus,
		heartbeat: heartbeat,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run streams the task's events to sink until the finish event has been
// written, the sink fails, or ctx ends. A task that already finished gets a
// single finish frame. Returns tasks.ErrTaskNotFound before writing anything
// when the task is unknown.
func (b *Bridge) Run(ctx context.Context, taskID string, sink Sink) error {
	// Subscribe before reading the registry so a finish published in between
	// is either seen on the channel or reflected in the snapshot.
	events, unsubscribe := b.bus.Subscribe(taskID)
	defer unsubscribe()

	task, err := b.registry.Get(taskID)
	if err != nil {
		return err
	}

	transport := "unknown"
	if n, ok := sink.(Named); ok {
		transport = n.Transport()
	}
	b.metrics.StreamOpened(transport)
	defer b.metrics.StreamClosed(transport)
	b.logger.Debug("stream opened", "task_id", task.ID, "transport", transport, "status", task.Status)

	seq := 0
	send := func(ev tasks.Event) error {
		seq++
		return sink.Send(Frame{ID: seq, Event: ev})
	}

	if task.Terminal() {
		unsubscribe()
		return send(tasks.FinishEventFor(task))
	}

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("stream client gone", "task_id", task.ID, "transport", transport, "frames", seq)
			return nil
		case ev, ok := <-events:
			if !ok {
				return b.finishFromRegistry(task.ID, send)
			}
			if err := send(ev); err != nil {
				return err
			}
			if ev.Type == tasks.EventFinish {
				return nil
			}
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// finishFromRegistry covers a topic closed before this reader saw the finish
// event, e.g. when it was dropped from a full buffer.
func (b *Bridge) finishFromRegistry(taskID string, send func(tasks.Event) error) error {
	task, err := b.registry.Get(taskID)
	if err != nil {
		return err
	}
	if !task.Terminal() {
		return nil
	}
	return send(tasks.FinishEventFor(task))
}
