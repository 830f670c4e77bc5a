package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iannil/code-coder-sub001/internal/reliability"
)

// HTTPAdapter forwards prompts to an agent backend over HTTP. The backend
// answers with JSON, SSE or NDJSON. Streamed lines of the form
// {"type":"permission","id":...,"permission":...,"message":...} suspend the
// stream until the permission is decided; the decision is posted back to
// <url>/permissions/<id>.
type HTTPAdapter struct {
	url     string
	client  *http.Client
	retries int
}

func NewHTTPAdapter(baseURL string, retries int, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPAdapter{
		url:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req MessageRequest, h Handlers) (MessageResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	err = reliability.Do(ctx, reliability.Policy{
		Attempts: a.retries + 1,
		Base:     250 * time.Millisecond,
		Cap:      4 * time.Second,
	}, func(int) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := a.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return reliability.Retryable(fmt.Errorf("send request: %w", err))
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			statusErr := fmt.Errorf("executor http status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
			if reliability.IsRetryableHTTPStatus(r.StatusCode) {
				return reliability.Retryable(statusErr)
			}
			return statusErr
		}
		res = r
		return nil
	})
	if err != nil {
		return MessageResponse{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return a.consumeStream(ctx, res.Body, h)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if err := h.emit(text); err != nil {
			return MessageResponse{}, err
		}
		return MessageResponse{Text: text}, nil
	}
	if msg, ok := obj["error"].(string); ok && msg != "" {
		return MessageResponse{}, fmt.Errorf("executor error: %s", msg)
	}

	text := extractText(obj)
	if err := h.emit(text); err != nil {
		return MessageResponse{}, err
	}
	return MessageResponse{Text: text}, nil
}

type streamLine struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Permission string         `json:"permission"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata"`
	Error      string         `json:"error"`
}

func (a *HTTPAdapter) consumeStream(ctx context.Context, body io.Reader, h Handlers) (MessageResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			if err := a.appendDelta(&out, line, h); err != nil {
				return MessageResponse{}, err
			}
			continue
		}

		var sl streamLine
		_ = json.Unmarshal([]byte(line), &sl)
		switch sl.Type {
		case "permission":
			decision, askErr := h.ask(ctx, sl.Permission, sl.Message, sl.Metadata)
			if askErr != nil || decision == "" {
				decision = "reject"
			}
			if sl.ID != "" {
				a.postDecision(ctx, sl.ID, decision)
			}
			if askErr != nil {
				return MessageResponse{}, askErr
			}
			continue
		case "error":
			return MessageResponse{}, fmt.Errorf("executor error: %s", sl.Error)
		}

		if err := a.appendDelta(&out, extractText(obj), h); err != nil {
			return MessageResponse{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return MessageResponse{Text: out.String()}, nil
}

func (a *HTTPAdapter) appendDelta(out *strings.Builder, delta string, h Handlers) error {
	if delta == "" {
		return nil
	}
	out.WriteString(delta)
	return h.emit(delta)
}

func (a *HTTPAdapter) postDecision(ctx context.Context, id, decision string) {
	payload, _ := json.Marshal(map[string]string{"decision": decision})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/permissions/"+url.PathEscape(id), bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
