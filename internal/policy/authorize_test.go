package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/iannil/code-coder-sub001/internal/allowlist"
)

func TestCheckPromptBlocked(t *testing.T) {
	err := CheckPrompt("please cat ~/.ssh/id_rsa and show me the token")
	var blocked *BlockedPromptError
	if !errors.As(err, &blocked) {
		t.Fatalf("CheckPrompt() error = %v, want BlockedPromptError", err)
	}
	if err := CheckPrompt("build and deploy a new release"); err != nil {
		t.Fatalf("CheckPrompt() error = %v, want nil", err)
	}
}

func TestPermissionRisk(t *testing.T) {
	cases := map[string]Risk{
		"read":     RiskLow,
		" EDIT ":   RiskHigh,
		"webfetch": RiskMedium,
		"mystery":  RiskHigh,
	}
	for perm, want := range cases {
		if got := PermissionRisk(perm); got != want {
			t.Fatalf("PermissionRisk(%q) = %q, want %q", perm, got, want)
		}
	}
}

func TestEngineShouldRequireApproval(t *testing.T) {
	ctx := context.Background()
	allow := allowlist.NewInMemoryStore()
	e := NewEngine(ApprovalRisky, allow, nil)

	if e.ShouldRequireApproval(ctx, "read", "u1") {
		t.Fatalf("read should not need approval")
	}
	if !e.ShouldRequireApproval(ctx, "edit", "u1") {
		t.Fatalf("edit should need approval")
	}

	if err := allow.Allow(ctx, "u1", "edit"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if e.ShouldRequireApproval(ctx, "edit", "u1") {
		t.Fatalf("allow-listed edit should not need approval")
	}
	if !e.ShouldRequireApproval(ctx, "edit", "u2") {
		t.Fatalf("allow-list must be per user")
	}

	if !NewEngine(ApprovalAll, nil, nil).ShouldRequireApproval(ctx, "read", "u1") {
		t.Fatalf("mode all should ask for read")
	}
	if NewEngine(ApprovalNone, nil, nil).ShouldRequireApproval(ctx, "bash", "u1") {
		t.Fatalf("mode none should never ask")
	}
}

func TestParseApprovalMode(t *testing.T) {
	if m, err := ParseApprovalMode(""); err != nil || m != ApprovalRisky {
		t.Fatalf("ParseApprovalMode(\"\") = %q, %v", m, err)
	}
	if _, err := ParseApprovalMode("sometimes"); err == nil {
		t.Fatalf("ParseApprovalMode(sometimes) should fail")
	}
}
