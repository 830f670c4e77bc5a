package memory

import (
	"context"
	"testing"
)

func TestInMemoryMessagesLatestInOrder(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()

	for _, text := range []string{"one", "two", "three"} {
		if err := s.SaveMessage(ctx, Message{SessionID: "s1", Role: RoleUser, Parts: []Part{{Type: "text", Text: text}}}); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}

	got, err := s.Messages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 2 || got[0].Text() != "two" || got[1].Text() != "three" {
		t.Fatalf("Messages() = %+v, want [two three]", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("message defaults not filled: %+v", got[0])
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if got, _ := s.Messages(ctx, "s1", 0); len(got) != 0 {
		t.Fatalf("Messages() after delete = %+v, want empty", got)
	}
}

func TestMessageTextJoinsTextParts(t *testing.T) {
	m := Message{Parts: []Part{
		{Type: "text", Text: "first"},
		{Type: "tool", Text: "ignored"},
		{Type: "text", Text: "second"},
	}}
	if got := m.Text(); got != "first\nsecond" {
		t.Fatalf("Text() = %q, want %q", got, "first\nsecond")
	}
}
