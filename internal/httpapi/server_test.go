package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iannil/code-coder-sub001/internal/affinity"
	"github.com/iannil/code-coder-sub001/internal/agents"
	"github.com/iannil/code-coder-sub001/internal/allowlist"
	"github.com/iannil/code-coder-sub001/internal/config"
	"github.com/iannil/code-coder-sub001/internal/execution"
	"github.com/iannil/code-coder-sub001/internal/executor"
	"github.com/iannil/code-coder-sub001/internal/memory"
	"github.com/iannil/code-coder-sub001/internal/observability"
	"github.com/iannil/code-coder-sub001/internal/permission"
	"github.com/iannil/code-coder-sub001/internal/policy"
	"github.com/iannil/code-coder-sub001/internal/session"
	"github.com/iannil/code-coder-sub001/internal/stream"
	"github.com/iannil/code-coder-sub001/internal/taskruntime"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

type testEnv struct {
	ts  *httptest.Server
	svc *taskruntime.Service
}

func newTestEnv(t *testing.T, adapter executor.Adapter, cfg config.Config) *testEnv {
	t.Helper()
	if adapter == nil {
		adapter = executor.NewMockAdapter()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	logger := observability.DiscardLogger()
	metrics := observability.NewMetrics("httpapi_test")
	broker := permission.NewBroker(nil)
	allow := allowlist.NewInMemoryStore()
	sessions := session.NewService(execution.NewRunner(adapter), memory.NewInMemoryStore(), broker, time.Hour, logger)
	registry := agents.Default()

	svc := taskruntime.New(taskruntime.Config{TaskTimeout: 5 * time.Second, Workers: 4}, taskruntime.Deps{
		Agents:    registry,
		Sessions:  sessions,
		Broker:    broker,
		Policy:    policy.NewEngine(policy.ApprovalRisky, allow, logger),
		AllowList: allow,
		Resolver:  affinity.NewResolver(affinity.NewLRUStore(16, time.Hour), sessions, logger),
		Metrics:   metrics,
		Logger:    logger,
	})
	bridge := stream.NewBridge(svc.Registry(), svc.Bus(), cfg.HeartbeatInterval, metrics, logger)

	srv := New(Options{
		Config:  cfg,
		Tasks:   svc,
		Streams: bridge,
		Agents:  registry,
		Metrics: metrics,
		Logger:  logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close(context.Background())
	})
	return &testEnv{ts: ts, svc: svc}
}

// scriptedAdapter waits for hold (when set), asks each permission in turn and
// then echoes the prompt.
type scriptedAdapter struct {
	hold        chan struct{}
	permissions []string
}

func (a *scriptedAdapter) StreamResponse(ctx context.Context, req executor.MessageRequest, h executor.Handlers) (executor.MessageResponse, error) {
	if a.hold != nil {
		select {
		case <-a.hold:
		case <-ctx.Done():
			return executor.MessageResponse{}, ctx.Err()
		}
	}
	for _, p := range a.permissions {
		if _, err := h.Ask(ctx, p, "allow "+p, map[string]any{"agent": req.Agent}); err != nil {
			return executor.MessageResponse{}, err
		}
	}
	text := "done: " + req.InputText
	if err := h.OnDelta(text); err != nil {
		return executor.MessageResponse{}, err
	}
	return executor.MessageResponse{Text: text}, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func doJSON(t *testing.T, method, url string, body any) (int, apiResponse) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return res.StatusCode, out
}

func decodeTask(t *testing.T, raw json.RawMessage) tasks.Task {
	t.Helper()
	var task tasks.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func submitBody(prompt string) map[string]any {
	return map[string]any{
		"agent":  "build",
		"prompt": prompt,
		"context": map[string]any{
			"source":         "remote",
			"userID":         "u1",
			"platform":       "telegram",
			"conversationId": "telegram:7",
		},
	}
}

func waitForStatus(t *testing.T, env *testEnv, taskID string, want tasks.TaskStatus) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.svc.Get(taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := env.svc.Get(taskID)
	t.Fatalf("task status = %q, want %q", task.Status, want)
	return task
}

func waitSubscribed(t *testing.T, env *testEnv, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.svc.Bus().SubscriberCount(taskID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed to %s", taskID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sseFrame struct {
	id    string
	event tasks.Event
}

func readSSE(body io.Reader) <-chan sseFrame {
	out := make(chan sseFrame, 32)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		var id string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				var ev tasks.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
					out <- sseFrame{id: id, event: ev}
				}
			}
		}
	}()
	return out
}

func nextOfType(t *testing.T, frames <-chan sseFrame, want tasks.EventType) sseFrame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed before %s event", want)
			}
			if f.event.Type == want {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestHealthReadyAndAgents(t *testing.T) {
	env := newTestEnv(t, nil, config.Config{})

	status, res := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil)
	if status != http.StatusOK || !res.Success {
		t.Fatalf("healthz = %d %+v", status, res)
	}
	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/readyz", nil)
	if status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}

	status, res = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/agents", nil)
	if status != http.StatusOK {
		t.Fatalf("agents status = %d", status)
	}
	var body struct {
		Agents []agents.Agent `json:"agents"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	found := false
	for _, a := range body.Agents {
		if a.Name == "build" {
			found = true
		}
	}
	if !found {
		t.Fatalf("agents listing missing build: %+v", body.Agents)
	}

	metricsRes, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer metricsRes.Body.Close()
	if metricsRes.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsRes.StatusCode)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, nil, config.Config{})

	body := submitBody("hello")
	body["agent"] = "nope"
	status, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", body)
	if status != http.StatusBadRequest || res.Success || res.Code != "invalid_request" {
		t.Fatalf("unknown agent = %d %+v", status, res)
	}

	status, res = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody(""))
	if status != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d %+v", status, res)
	}

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/tasks", strings.NewReader("{"))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", raw.StatusCode)
	}

	if got := env.svc.Stats().Total; got != 0 {
		t.Fatalf("tasks recorded after validation failures = %d", got)
	}
}

func TestTaskNotFound(t *testing.T) {
	env := newTestEnv(t, nil, config.Config{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/missing"},
		{http.MethodDelete, "/api/v1/tasks/missing"},
		{http.MethodGet, "/api/v1/tasks/missing/events"},
	} {
		status, res := doJSON(t, tc.method, env.ts.URL+tc.path, nil)
		if status != http.StatusNotFound || res.Code != "task_not_found" {
			t.Fatalf("%s %s = %d %+v", tc.method, tc.path, status, res)
		}
	}
	status, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks/missing/interact", map[string]string{"action": "approve"})
	if status != http.StatusNotFound {
		t.Fatalf("interact missing status = %d", status)
	}
}

func TestEndToEndApprovalOverSSE(t *testing.T) {
	adapter := &scriptedAdapter{hold: make(chan struct{}), permissions: []string{"edit"}}
	env := newTestEnv(t, adapter, config.Config{})

	status, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody("update the readme"))
	if status != http.StatusCreated {
		t.Fatalf("create status = %d %+v", status, res)
	}
	task := decodeTask(t, res.Data)
	if task.ID == "" || task.SessionID == "" {
		t.Fatalf("created task missing ids: %+v", task)
	}

	streamRes, err := http.Get(env.ts.URL + "/api/v1/tasks/" + task.ID + "/events")
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer streamRes.Body.Close()
	if ct := streamRes.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	frames := readSSE(streamRes.Body)
	waitSubscribed(t, env, task.ID)
	close(adapter.hold)

	confirm := nextOfType(t, frames, tasks.EventConfirmation)
	if confirm.event.Confirmation.Permission != "edit" || confirm.event.Confirmation.RequestID == "" {
		t.Fatalf("confirmation = %+v", confirm.event.Confirmation)
	}

	status, res = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks/"+task.ID+"/interact", map[string]string{
		"action":    "approve",
		"reply":     "once",
		"requestID": confirm.event.Confirmation.RequestID,
	})
	if status != http.StatusOK {
		t.Fatalf("interact status = %d %+v", status, res)
	}

	finish := nextOfType(t, frames, tasks.EventFinish)
	if !finish.event.Finish.Success || finish.event.Finish.Output != "done: update the readme" {
		t.Fatalf("finish = %+v", finish.event.Finish)
	}

	status, res = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/tasks/"+task.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if got := decodeTask(t, res.Data); got.Status != tasks.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	// A finished task streams a single finish frame.
	again, err := http.Get(env.ts.URL + "/api/v1/tasks/" + task.ID + "/events")
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	raw, _ := io.ReadAll(again.Body)
	again.Body.Close()
	if n := strings.Count(string(raw), "event: message"); n != 1 {
		t.Fatalf("terminal stream frames = %d, body %q", n, raw)
	}
	if strings.Contains(string(raw), ": heartbeat") {
		t.Fatalf("terminal stream carried a heartbeat: %q", raw)
	}
	if !strings.HasPrefix(string(raw), "id: 1\n") {
		t.Fatalf("terminal stream body = %q", raw)
	}

	status, _ = doJSON(t, http.MethodDelete, env.ts.URL+"/api/v1/tasks/"+task.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/tasks/"+task.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", status)
	}
}

func TestInteractAndDeleteRejectWrongState(t *testing.T) {
	adapter := &scriptedAdapter{hold: make(chan struct{})}
	env := newTestEnv(t, adapter, config.Config{})

	_, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody("explain"))
	task := decodeTask(t, res.Data)

	status, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks/"+task.ID+"/interact", map[string]string{"action": "approve"})
	if status != http.StatusBadRequest || res.Code != "invalid_task_state" {
		t.Fatalf("interact running = %d %+v", status, res)
	}
	status, res = doJSON(t, http.MethodDelete, env.ts.URL+"/api/v1/tasks/"+task.ID, nil)
	if status != http.StatusBadRequest || res.Code != "invalid_task_state" {
		t.Fatalf("delete running = %d %+v", status, res)
	}

	close(adapter.hold)
	waitForStatus(t, env, task.ID, tasks.TaskStatusCompleted)

	status, res = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/tasks?status=completed", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list listTasksResponse
	if err := json.Unmarshal(res.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Stats.Completed != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestTaskWebSocketInteract(t *testing.T) {
	adapter := &scriptedAdapter{hold: make(chan struct{}), permissions: []string{"edit", "bash"}}
	env := newTestEnv(t, adapter, config.Config{})

	_, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody("update and run"))
	task := decodeTask(t, res.Data)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/tasks/" + task.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("pong = %v, err = %v", pong, err)
	}

	waitSubscribed(t, env, task.ID)
	close(adapter.hold)

	readUntil := func(match func(map[string]json.RawMessage) bool) map[string]json.RawMessage {
		t.Helper()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			var msg map[string]json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("ReadJSON() error = %v", err)
			}
			if match(msg) {
				return msg
			}
		}
	}
	eventOf := func(msg map[string]json.RawMessage) (tasks.Event, bool) {
		raw, ok := msg["event"]
		if !ok {
			return tasks.Event{}, false
		}
		var ev tasks.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return tasks.Event{}, false
		}
		return ev, true
	}
	isConfirmation := func(msg map[string]json.RawMessage) bool {
		ev, ok := eventOf(msg)
		return ok && ev.Type == tasks.EventConfirmation
	}

	first, _ := eventOf(readUntil(isConfirmation))
	if first.Confirmation.Permission != "edit" {
		t.Fatalf("first confirmation = %+v", first.Confirmation)
	}

	if err := conn.WriteJSON(map[string]string{"type": "interact", "action": "approve"}); err != nil {
		t.Fatalf("write interact: %v", err)
	}
	// The reply and the next confirmation race; accept either order.
	var gotResult, gotSecond bool
	readUntil(func(msg map[string]json.RawMessage) bool {
		if string(msg["type"]) == `"interact_result"` {
			gotResult = true
		}
		if ev, ok := eventOf(msg); ok && ev.Type == tasks.EventConfirmation {
			if ev.Confirmation.Permission != "bash" {
				t.Fatalf("second confirmation = %+v", ev.Confirmation)
			}
			gotSecond = true
		}
		return gotResult && gotSecond
	})

	if err := conn.WriteJSON(map[string]string{"type": "interact", "action": "maybe"}); err != nil {
		t.Fatalf("write interact: %v", err)
	}
	bad := readUntil(func(msg map[string]json.RawMessage) bool {
		return string(msg["type"]) == `"error"`
	})
	if string(bad["code"]) != `"invalid_request"` {
		t.Fatalf("error message = %v", bad)
	}

	status, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks/"+task.ID+"/interact", map[string]string{
		"action": "reject",
		"reason": "no shell",
	})
	if status != http.StatusOK {
		t.Fatalf("interact status = %d", status)
	}

	finishMsg := readUntil(func(msg map[string]json.RawMessage) bool {
		ev, ok := eventOf(msg)
		return ok && ev.Type == tasks.EventFinish
	})
	finish, _ := eventOf(finishMsg)
	if finish.Finish.Success || !strings.Contains(finish.Finish.Error, "no shell") {
		t.Fatalf("finish = %+v", finish.Finish)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, config.Config{SubmitRatePerMinute: 1, SubmitBurst: 1})

	status, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody("explain one"))
	if status != http.StatusCreated {
		t.Fatalf("first submit status = %d", status)
	}
	status, res := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/tasks", submitBody("explain two"))
	if status != http.StatusTooManyRequests || res.Code != "rate_limited" {
		t.Fatalf("second submit = %d %+v", status, res)
	}

	// Reads are not limited.
	status, _ = doJSON(t, http.MethodGet, env.ts.URL+"/api/v1/tasks", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
}
