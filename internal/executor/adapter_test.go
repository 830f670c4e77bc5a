package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAdapterAutoFallsBackToMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("adapter = %T, want *MockAdapter", a)
	}

	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewAdapter(http) without url should fail")
	}
	if _, err := NewAdapter(Config{Mode: "grpc"}); err == nil {
		t.Fatalf("NewAdapter(grpc) should fail")
	}
}

func TestMockAdapterRepliesWithoutPermission(t *testing.T) {
	a := NewMockAdapter()
	asked := 0
	var deltas []string
	resp, err := a.StreamResponse(context.Background(), MessageRequest{Agent: "plan", InputText: "explain the router"}, Handlers{
		OnDelta: func(d string) error { deltas = append(deltas, d); return nil },
		Ask: func(context.Context, string, string, map[string]any) (string, error) {
			asked++
			return "once", nil
		},
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if asked != 0 {
		t.Fatalf("asked = %d, want 0", asked)
	}
	if resp.Text != "[plan] done: explain the router" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if strings.Join(deltas, "") != resp.Text {
		t.Fatalf("deltas = %q, want %q", deltas, resp.Text)
	}
}

func TestMockAdapterAsksBeforeEditing(t *testing.T) {
	a := NewMockAdapter()
	var permissions []string
	_, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "Add a README"}, Handlers{
		Ask: func(_ context.Context, permission, _ string, _ map[string]any) (string, error) {
			permissions = append(permissions, permission)
			return "once", nil
		},
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(permissions) != 1 || permissions[0] != "edit" {
		t.Fatalf("permissions = %v, want [edit]", permissions)
	}

	refused := errors.New("refused")
	_, err = a.StreamResponse(context.Background(), MessageRequest{InputText: "fix the bug"}, Handlers{
		Ask: func(context.Context, string, string, map[string]any) (string, error) { return "", refused },
	})
	if !errors.Is(err, refused) {
		t.Fatalf("error = %v, want refused", err)
	}
}
