package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/iannil/code-coder-sub001/internal/protocol"
	"github.com/iannil/code-coder-sub001/internal/stream"
	"github.com/iannil/code-coder-sub001/internal/taskruntime"
)

const wsWriteTimeout = 10 * time.Second

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Transport() string { return "sse" }

func (s *sseSink) Send(f stream.Frame) error {
	data, err := json.Marshal(f.Event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", f.ID, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.tasks.Get(taskID); err != nil {
		respondTaskError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.streams.Run(r.Context(), taskID, &sseSink{w: w, flusher: flusher}); err != nil {
		s.logger.Debug("sse stream ended", "task_id", taskID, "error", err)
	}
}

// wsSink serializes writes; gorilla connections allow one concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Transport() string { return "ws" }

func (s *wsSink) Send(f stream.Frame) error {
	return s.writeJSON(f)
}

func (s *wsSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *wsSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.tasks.Get(taskID); err != nil {
		respondTaskError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sink := &wsSink{conn: conn}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		s.readTaskWS(ctx, taskID, conn, sink)
	}()

	if err := s.streams.Run(ctx, taskID, sink); err != nil {
		s.logger.Debug("ws stream ended", "task_id", taskID, "error", err)
	}
	sink.close(websocket.CloseNormalClosure, "stream finished")
	cancel()
	_ = conn.Close()
	<-readerDone
}

func (s *Server) readTaskWS(ctx context.Context, taskID string, conn *websocket.Conn, sink *wsSink) {
	conn.SetReadLimit(1 << 20)
	idle := 3 * s.cfg.HeartbeatInterval
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			if werr := sink.writeJSON(protocol.NewError("invalid_client_message", err.Error())); werr != nil {
				return
			}
			continue
		}

		var reply any
		switch msg := parsed.(type) {
		case protocol.Ping:
			reply = protocol.Pong{Type: protocol.TypePong}
		case protocol.Interact:
			task, err := s.tasks.Interact(ctx, taskID, taskruntime.InteractRequest{
				Action:    msg.Action,
				Reply:     msg.Reply,
				Reason:    msg.Reason,
				RequestID: msg.RequestID,
			})
			if err != nil {
				_, code := errorStatus(err)
				reply = protocol.NewError(code, err.Error())
			} else {
				reply = protocol.InteractResult{Type: protocol.TypeInteractResult, Task: task}
			}
		}
		if reply == nil {
			continue
		}
		if err := sink.writeJSON(reply); err != nil {
			return
		}
	}
}
