package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the immutable per-run declaration of what a seat may do.
type Role struct {
	Name       string     `json:"name"`
	Tools      []string   `json:"tools,omitempty"`
	IssueTypes []CardType `json:"issue_types,omitempty"`
	Mission    string     `json:"mission,omitempty"`
}

// Allows reports whether the role lists the tool.
func (r Role) Allows(tool string) bool {
	for _, t := range r.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Handles reports whether the role works cards of the given type.
func (r Role) Handles(t CardType) bool {
	for _, it := range r.IssueTypes {
		if it == t {
			return true
		}
	}
	return false
}

// ToolCall is one requested action. Result and Error are filled by the dispatcher.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result map[string]any `json:"result,omitempty"`
	Error  *string        `json:"error,omitempty"`
}

// StringArg returns a trimmed string argument or "".
func (c ToolCall) StringArg(key string) string {
	if c.Args == nil {
		return ""
	}
	if v, ok := c.Args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// BoolArg accepts both JSON booleans and "true"/"false" strings.
func (c ToolCall) BoolArg(key string) bool {
	if c.Args == nil {
		return false
	}
	switch v := c.Args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

// Digest is the content address of the call: sha256 over tool name and canonical args.
func (c ToolCall) Digest() string {
	return HashJSON(map[string]any{"tool": c.Tool, "args": c.Args})
}

type ExecutionTurn struct {
	Role       string     `json:"role"`
	IssueID    string     `json:"issue_id"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	TokensUsed int        `json:"tokens_used"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolResult is what a tool runtime reports for a single call.
type ToolResult struct {
	OK         bool           `json:"ok"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Truncated  bool           `json:"truncated,omitempty"`
}

type Violation struct {
	Axis     string   `json:"axis"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

func (v Violation) String() string {
	if len(v.Evidence) == 0 {
		return v.Reason
	}
	return fmt.Sprintf("%s: %s", v.Reason, strings.Join(v.Evidence, "; "))
}

type StateDelta struct {
	From Status `json:"from"`
	To   Status `json:"to,omitempty"`
}

type Checkpoint struct {
	RunID          string         `json:"run_id"`
	IssueID        string         `json:"issue_id"`
	TurnIndex      int            `json:"turn_index"`
	Role           string         `json:"role"`
	PromptHash     string         `json:"prompt_hash"`
	Model          string         `json:"model"`
	ToolCalls      []ToolCall     `json:"tool_calls"`
	StateDelta     StateDelta     `json:"state_delta"`
	PromptMetadata map[string]any `json:"prompt_metadata,omitempty"`
	CapturedAt     string         `json:"captured_at" format:"date-time"`
	FailureType    string         `json:"failure_type,omitempty"`
}

const (
	ArtifactAudit       = "audit"
	ArtifactMemoryTrace = "memory_trace"
)

// Artifact is an observability record emitted for every turn, successful or not.
type Artifact struct {
	Kind        string         `json:"kind"`
	ProjectID   string         `json:"project_id,omitempty"`
	RunID       string         `json:"run_id"`
	IssueID     string         `json:"issue_id"`
	TurnIndex   int            `json:"turn_index"`
	Role        string         `json:"role"`
	FailureType string         `json:"failure_type,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   string         `json:"created_at"`
}

// ReplayKey scopes a content-addressed tool result to one turn of one role on one card.
type ReplayKey struct {
	SessionID string `json:"session_id"`
	IssueID   string `json:"issue_id"`
	Role      string `json:"role"`
	TurnIndex int    `json:"turn_index"`
	CallHash  string `json:"call_hash"`
}

func (k ReplayKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", k.SessionID, k.IssueID, k.Role, k.TurnIndex, k.CallHash)
}

// HashJSON returns the hex sha256 of v's JSON encoding. Map keys are encoded sorted,
// so equal logical values hash identically.
func HashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
