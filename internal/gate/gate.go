package gate

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"cardline/internal/config"
	"cardline/internal/domain"
	"cardline/internal/statemachine"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Gate is the pre-execution policy check for a single tool call. A rejection is returned
// as a message; the empty string means the call may run.
type Gate struct {
	Root       string
	Workspace  config.Workspace
	Governance config.Governance
	Machine    statemachine.Machine
}

// New builds a gate rooted at root, which should be absolute.
func New(cfg *config.Config, root string) Gate {
	return Gate{
		Root:       filepath.Clean(root),
		Workspace:  cfg.Workspace,
		Governance: cfg.Governance,
		Machine:    statemachine.New(cfg.Governance.FinalizerRoles),
	}
}

func (g Gate) Validate(tool string, args map[string]any, tc domain.TurnContext, roles []string) string {
	call := domain.ToolCall{Tool: tool, Args: args}
	switch {
	case contains(g.Governance.WriteTools, tool):
		return g.checkWrite(call, roles)
	case contains(g.Governance.DestructiveTools, tool):
		if msg := g.checkPath(call.StringArg("path")); msg != "" {
			return msg
		}
		if !call.BoolArg("confirm") {
			return fmt.Sprintf("%s requires confirm=true", tool)
		}
	case tool == g.Governance.StatusTool && tool != "":
		return g.checkStatus(call, tc, roles)
	case contains(g.Governance.CreationTools, tool):
		summary := call.StringArg("summary")
		if minLen := g.Governance.MinSummaryLength; minLen > 0 && len(summary) < minLen {
			return fmt.Sprintf("%s summary must be at least %d characters (got %d)", tool, minLen, len(summary))
		}
	case contains(g.Governance.ReadTools, tool):
		if p := call.StringArg("path"); p != "" {
			return g.checkPath(p)
		}
	}
	return ""
}

func (g Gate) checkWrite(call domain.ToolCall, roles []string) string {
	p := call.StringArg("path")
	if msg := g.checkPath(p); msg != "" {
		return msg
	}
	rel, _ := g.Relative(p)
	if g.Workspace.Lint.Enabled {
		if msg := g.lint(rel); msg != "" {
			return msg
		}
	}
	ext := strings.ToLower(path.Ext(rel))
	for _, forbidden := range g.Workspace.ForbiddenExtensions {
		if ext != "" && strings.EqualFold(ext, forbidden) {
			return fmt.Sprintf("write to %s rejected: extension %s is forbidden", rel, ext)
		}
	}
	if matchesManaged(rel, g.Governance.DependencyManaged.Paths) && !anyRole(roles, g.Governance.DependencyManaged.Owners) {
		return fmt.Sprintf("write to %s rejected: dependency-managed path requires one of roles %s", rel, strings.Join(g.Governance.DependencyManaged.Owners, ", "))
	}
	if matchesManaged(rel, g.Governance.DeploymentManaged.Paths) && !anyRole(roles, g.Governance.DeploymentManaged.Owners) {
		return fmt.Sprintf("write to %s rejected: deployment-managed path requires one of roles %s", rel, strings.Join(g.Governance.DeploymentManaged.Owners, ", "))
	}
	return ""
}

func (g Gate) checkPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return "path argument is required"
	}
	if _, ok := g.Relative(p); !ok {
		return fmt.Sprintf("path %s is outside the workspace root", p)
	}
	return ""
}

// Relative resolves p against the root and returns the slash-separated workspace-relative
// path. ok is false when p escapes the root.
func (g Gate) Relative(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	root := g.Root
	if root == "" {
		root = "."
	}
	abs := filepath.FromSlash(strings.ReplaceAll(p, "\\", "/"))
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	rel, err := filepath.Rel(root, filepath.Clean(abs))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (g Gate) lint(rel string) string {
	maxLen := g.Workspace.Lint.MaxNameLength
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" {
			return fmt.Sprintf("write to %s rejected: empty path segment", rel)
		}
		if !validName.MatchString(seg) {
			return fmt.Sprintf("write to %s rejected: %q contains characters outside [A-Za-z0-9._-]", rel, seg)
		}
		if maxLen > 0 && len(seg) > maxLen {
			return fmt.Sprintf("write to %s rejected: %q exceeds %d characters", rel, seg, maxLen)
		}
	}
	return ""
}

func (g Gate) checkStatus(call domain.ToolCall, tc domain.TurnContext, roles []string) string {
	raw := call.StringArg("status")
	if raw == "" {
		return "status argument is required"
	}
	requested, ok := domain.ParseStatus(raw)
	if !ok {
		return fmt.Sprintf("unknown status %q", raw)
	}
	if g.Governance.OrgBypassStatusChecks || tc.CurrentStatus == "" || requested == tc.CurrentStatus {
		return ""
	}
	if len(roles) == 0 {
		roles = tc.CallerRoles()
	}
	if err := g.Machine.ValidateTransition(tc.CardType, tc.CurrentStatus, requested, roles, WaitReason(call)); err != nil {
		return err.Error()
	}
	return ""
}

// WaitReason reads the wait reason of a status call from wait_reason or reason.
func WaitReason(call domain.ToolCall) string {
	if r := call.StringArg("wait_reason"); r != "" {
		return strings.ToLower(r)
	}
	return strings.ToLower(call.StringArg("reason"))
}

// matchesManaged matches by exact path, directory prefix, or bare file name.
func matchesManaged(rel string, entries []string) bool {
	base := path.Base(rel)
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		dir := strings.TrimSuffix(e, "/")
		switch {
		case rel == dir:
			return true
		case strings.HasPrefix(rel, dir+"/"):
			return true
		case !strings.Contains(dir, "/") && base == dir:
			return true
		}
	}
	return false
}

func anyRole(roles, owners []string) bool {
	for _, r := range roles {
		for _, o := range owners {
			if strings.EqualFold(r, o) {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
