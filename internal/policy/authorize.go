package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/iannil/code-coder-sub001/internal/allowlist"
)

type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskBlocked Risk = "blocked"
)

var blockedPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
	regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
}

// BlockedPromptError rejects a submission before any task exists.
type BlockedPromptError struct {
	Reason string
}

func (e *BlockedPromptError) Error() string { return e.Reason }

// CheckPrompt returns a *BlockedPromptError for prompts asking for
// destructive or secret-exfiltration behavior.
func CheckPrompt(prompt string) error {
	in := strings.ToLower(strings.TrimSpace(prompt))
	for _, re := range blockedPromptPatterns {
		if re.MatchString(in) {
			return &BlockedPromptError{Reason: "prompt appears to request destructive or secret-exfiltration behavior"}
		}
	}
	return nil
}

var permissionRisk = map[string]Risk{
	"read":               RiskLow,
	"glob":               RiskLow,
	"grep":               RiskLow,
	"list":               RiskLow,
	"todoread":           RiskLow,
	"todowrite":          RiskLow,
	"websearch":          RiskLow,
	"webfetch":           RiskMedium,
	"task":               RiskMedium,
	"edit":               RiskHigh,
	"write":              RiskHigh,
	"patch":              RiskHigh,
	"bash":               RiskHigh,
	"external_directory": RiskHigh,
	"doom_loop":          RiskHigh,
}

// PermissionRisk classifies a tool permission. Unknown permissions are
// treated as high risk.
func PermissionRisk(permission string) Risk {
	if r, ok := permissionRisk[strings.ToLower(strings.TrimSpace(permission))]; ok {
		return r
	}
	return RiskHigh
}

type ApprovalMode string

const (
	// ApprovalRisky asks a human for medium and high risk permissions.
	ApprovalRisky ApprovalMode = "risky"
	ApprovalAll   ApprovalMode = "all"
	ApprovalNone  ApprovalMode = "none"
)

func ParseApprovalMode(raw string) (ApprovalMode, error) {
	switch m := ApprovalMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ApprovalRisky, nil
	case ApprovalRisky, ApprovalAll, ApprovalNone:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported approval mode %q", raw)
	}
}

// Engine decides whether a permission asked during a remote task needs a
// human decision.
type Engine struct {
	mode   ApprovalMode
	allow  allowlist.Store
	logger *slog.Logger
}

func NewEngine(mode ApprovalMode, allow allowlist.Store, logger *slog.Logger) *Engine {
	if mode == "" {
		mode = ApprovalRisky
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{mode: mode, allow: allow, logger: logger}
}

func (e *Engine) ShouldRequireApproval(ctx context.Context, permission, userID string) bool {
	if e.mode == ApprovalNone {
		return false
	}
	if e.allow != nil && strings.TrimSpace(userID) != "" {
		allowed, err := e.allow.Allowed(ctx, userID, permission)
		if err != nil {
			e.logger.Warn("allowlist lookup failed", "user_id", userID, "permission", permission, "error", err)
		} else if allowed {
			return false
		}
	}
	if e.mode == ApprovalAll {
		return true
	}
	return PermissionRisk(permission) != RiskLow
}
