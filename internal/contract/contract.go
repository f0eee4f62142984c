package contract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cardline/internal/config"
	"cardline/internal/domain"
)

const (
	AxisProgress             = "progress"
	AxisWritePath            = "write_path"
	AxisReadPath             = "read_path"
	AxisArchitectureDecision = "architecture_decision"
	AxisGuardRejection       = "guard_rejection_payload"
	AxisVerificationScope    = "verification_scope"
)

// Axes lists the contract axes in evaluation order.
var Axes = []string{
	AxisProgress, AxisWritePath, AxisReadPath, AxisArchitectureDecision, AxisGuardRejection, AxisVerificationScope,
}

// PathChecker reports whether a workspace-relative path exists.
type PathChecker interface {
	Exists(rel string) bool
}

// DirChecker checks paths on the local filesystem under Root.
type DirChecker struct {
	Root string
}

func (d DirChecker) Exists(rel string) bool {
	_, err := os.Stat(filepath.Join(d.Root, filepath.FromSlash(rel)))
	return err == nil
}

// Policy names the tool categories the validator reasons about.
type Policy struct {
	StatusTool         string
	WriteTools         []string
	ReadTools          []string
	DestructiveTools   []string
	ObservationalTools []string
}

func PolicyFromConfig(cfg *config.Config) Policy {
	g := cfg.Governance
	return Policy{
		StatusTool:         g.StatusTool,
		WriteTools:         g.WriteTools,
		ReadTools:          g.ReadTools,
		DestructiveTools:   g.DestructiveTools,
		ObservationalTools: g.ObservationalTools,
	}
}

// Validator evaluates a parsed turn against every contract axis.
type Validator struct {
	Policy Policy
	// Root relativizes absolute paths found in tool arguments.
	Root string
	// FS decides which required read paths exist. Nil treats every path as existing.
	FS PathChecker
}

type Input struct {
	Role     domain.Role
	Turn     domain.ExecutionTurn
	Payloads []map[string]any
	Residue  string
	Context  domain.TurnContext
}

type Result struct {
	Violations []domain.Violation
	Notices    []string
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Reasons lists violation reasons in order.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Reason)
	}
	return out
}

func (r *Result) add(axis, reason string, evidence ...string) {
	r.Violations = append(r.Violations, domain.Violation{Axis: axis, Reason: reason, Evidence: evidence})
}

func (r *Result) notice(msg string) {
	r.Notices = append(r.Notices, msg)
}

// Validate runs all axes without stopping at the first failure. Violations come back in
// axis order.
func (v Validator) Validate(in Input) Result {
	var res Result
	v.progress(in, &res)
	v.writePaths(in, &res)
	v.readPaths(in, &res)
	v.architectureDecision(in, &res)
	v.guardRejection(in, &res)
	v.verificationScope(in, &res)
	return res
}

func (v Validator) isStatusCall(c domain.ToolCall) bool {
	return v.Policy.StatusTool != "" && c.Tool == v.Policy.StatusTool
}

func (v Validator) fsTools() []string {
	out := make([]string, 0, len(v.Policy.WriteTools)+len(v.Policy.ReadTools)+len(v.Policy.DestructiveTools))
	out = append(out, v.Policy.WriteTools...)
	out = append(out, v.Policy.ReadTools...)
	out = append(out, v.Policy.DestructiveTools...)
	return out
}

var pathArgKeys = []string{"path", "paths", "source", "destination", "target"}

// rawPaths returns the path-like arguments of a call as written by the model.
func rawPaths(c domain.ToolCall) []string {
	var out []string
	for _, key := range pathArgKeys {
		switch v := c.Args[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				out = append(out, strings.TrimSpace(v))
			}
		case []any:
			for _, el := range v {
				if s, ok := el.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
		}
	}
	return out
}

// normalize maps an observed path to the workspace-relative form used by requirements.
func (v Validator) normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if v.Root != "" && filepath.IsAbs(filepath.FromSlash(p)) {
		if rel, err := filepath.Rel(v.Root, filepath.FromSlash(p)); err == nil && !strings.HasPrefix(filepath.ToSlash(rel), "..") {
			p = filepath.ToSlash(rel)
		}
	}
	return domain.NormalizePath(p)
}

func (v Validator) observedPaths(calls []domain.ToolCall, tools []string) map[string]bool {
	seen := map[string]bool{}
	for _, c := range calls {
		if !contains(tools, c.Tool) {
			continue
		}
		for _, p := range rawPaths(c) {
			if n := v.normalize(p); n != "" {
				seen[n] = true
			}
		}
	}
	return seen
}

func calledTools(calls []domain.ToolCall) map[string]bool {
	out := make(map[string]bool, len(calls))
	for _, c := range calls {
		out[c.Tool] = true
	}
	return out
}

func missingFrom(required []string, have map[string]bool, norm func(string) string) []string {
	var missing []string
	for _, r := range required {
		if n := norm(r); n != "" && !have[n] {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// nonEmpty reports whether a decoded JSON value carries content.
func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		for _, el := range t {
			if nonEmpty(el) {
				return true
			}
		}
		return false
	case map[string]any:
		return len(t) > 0
	}
	return true
}
