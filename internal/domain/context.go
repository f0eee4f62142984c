package domain

import (
	"path"
	"sort"
	"strings"
	"time"
)

const (
	StageGateAdvisory       = "advisory"
	StageGateReviewRequired = "review_required"
)

// TurnContext is the per-turn configuration handed by value to every component of a turn.
// The only mutation allowed is appending to Trace.
type TurnContext struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id,omitempty"`
	IssueID   string `json:"issue_id"`
	TurnIndex int    `json:"turn_index"`

	Role  string   `json:"role"`
	Roles []string `json:"roles,omitempty"`

	CardType      CardType `json:"card_type"`
	CurrentStatus Status   `json:"current_status"`

	RequiredActionTools []string `json:"required_action_tools,omitempty"`
	RequiredStatuses    []Status `json:"required_statuses,omitempty"`
	RequiredWritePaths  []string `json:"required_write_paths,omitempty"`
	RequiredReadPaths   []string `json:"required_read_paths,omitempty"`

	StageGateMode string            `json:"stage_gate_mode,omitempty"`
	Dependencies  DependencyContext `json:"dependencies"`

	Verification         VerificationScope                `json:"verification"`
	ArchitectureDecision *ArchitectureDecisionRequirement `json:"architecture_decision,omitempty"`

	EnforceSkillContracts bool                    `json:"enforce_skill_contracts,omitempty"`
	SkillBindings         map[string]SkillBinding `json:"skill_bindings,omitempty"`
	GrantedPermissions    []string                `json:"granted_permissions,omitempty"`
	RuntimeLimits         RuntimeLimits           `json:"runtime_limits"`

	Resume         bool `json:"resume,omitempty"`
	VerifierPassed bool `json:"verifier_passed,omitempty"`

	Trace []TraceEvent `json:"trace,omitempty"`
}

// CallerRoles returns Roles, falling back to the executing role.
func (c TurnContext) CallerRoles() []string {
	if len(c.Roles) > 0 {
		return c.Roles
	}
	if c.Role != "" {
		return []string{c.Role}
	}
	return nil
}

// Record appends a trace event.
func (c *TurnContext) Record(kind string, fields map[string]any) {
	c.Trace = append(c.Trace, TraceEvent{Kind: kind, Fields: fields, At: time.Now().UTC()})
}

type TraceEvent struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}

type DependencyContext struct {
	DependsOn  []string `json:"depends_on,omitempty"`
	Unresolved []string `json:"unresolved,omitempty"`
}

type ArchitectureDecisionRequirement struct {
	Path                      string   `json:"path"`
	AllowedRecommendations    []string `json:"allowed_recommendations,omitempty"`
	ForcedRecommendation      string   `json:"forced_recommendation,omitempty"`
	AllowedFrontendFrameworks []string `json:"allowed_frontend_frameworks,omitempty"`
}

type SkillBinding struct {
	Skill       string        `json:"skill"`
	Permissions []string      `json:"permissions,omitempty"`
	Limits      RuntimeLimits `json:"limits"`
}

// RuntimeLimits are caps; zero means unlimited.
type RuntimeLimits struct {
	MaxToolCalls   int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	MaxOutputBytes int `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`
}

// Within reports whether every non-zero limit of l fits under the matching cap.
func (l RuntimeLimits) Within(caps RuntimeLimits) bool {
	return within(l.MaxToolCalls, caps.MaxToolCalls) &&
		within(l.TimeoutSeconds, caps.TimeoutSeconds) &&
		within(l.MaxOutputBytes, caps.MaxOutputBytes)
}

func within(v, limit int) bool {
	if limit <= 0 {
		return true
	}
	return v > 0 && v <= limit
}

const (
	BudgetPaths        = "paths"
	BudgetContextItems = "context_items"
	BudgetToolCalls    = "tool_calls"
)

// VerificationScope bounds what a turn's output may reference. Empty allow-lists leave
// the category unrestricted.
type VerificationScope struct {
	WorkspacePaths   []string       `json:"workspace_paths"`
	ContextItems     []string       `json:"context_items"`
	DeclaredTools    []string       `json:"declared_tools"`
	ForbiddenPhrases []string       `json:"forbidden_phrases"`
	Budgets          map[string]int `json:"budgets,omitempty"`
	StrictGrounding  bool           `json:"strict_grounding"`
	AllowUnsafePaths bool           `json:"allow_unsafe_paths"`
	ToolCallsOnly    bool           `json:"tool_calls_only"`
}

// HardeningEnabled reports whether absolute and traversal paths are rejected.
func (s VerificationScope) HardeningEnabled() bool { return !s.AllowUnsafePaths }

// Normalize returns a copy with every list trimmed, deduplicated, and sorted.
func (s VerificationScope) Normalize() VerificationScope {
	out := s
	out.WorkspacePaths = normalizeList(s.WorkspacePaths, NormalizePath)
	out.ContextItems = normalizeList(s.ContextItems, strings.TrimSpace)
	out.DeclaredTools = normalizeList(s.DeclaredTools, strings.TrimSpace)
	out.ForbiddenPhrases = normalizeList(s.ForbiddenPhrases, func(p string) string {
		return strings.ToLower(strings.TrimSpace(p))
	})
	if len(s.Budgets) > 0 {
		out.Budgets = make(map[string]int, len(s.Budgets))
		for k, v := range s.Budgets {
			if v > 0 {
				out.Budgets[strings.TrimSpace(k)] = v
			}
		}
	} else {
		out.Budgets = nil
	}
	return out
}

// Hash is stable across logically equal scopes.
func (s VerificationScope) Hash() string {
	return HashJSON(s.Normalize())
}

func normalizeList(in []string, fn func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = fn(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NormalizePath converts a workspace-relative path to a canonical slash form without
// leading "./". Absolute paths keep their leading slash.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}
