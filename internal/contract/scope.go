package contract

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"cardline/internal/domain"
)

const (
	ReasonUnknownPath         = "verification_scope.unknown_path"
	ReasonUnknownContextItem  = "verification_scope.unknown_context_item"
	ReasonUndeclaredTool      = "verification_scope.undeclared_tool"
	ReasonBudgetExceeded      = "verification_scope.budget_exceeded"
	ReasonSpeculativeLanguage = "verification_scope.speculative_language"
	ReasonForbiddenPhrase     = "verification_scope.forbidden_phrase"
	ReasonUnsafePath          = "verification_scope.unsafe_path"
	ReasonNonJSONOutput       = "verification_scope.non_json_output"
)

var speculative = regexp.MustCompile(`(?i)\b(probably|maybe|perhaps|presumably|i think|i believe|i assume|i guess|might be|could be|should work|likely|possibly)\b`)

var contextRefKeys = []string{"context_refs", "context_items", "references"}

func (v Validator) verificationScope(in Input, res *Result) {
	scope := in.Context.Verification.Normalize()
	calls := in.Turn.ToolCalls

	v.hallucination(scope, in, res)

	if scope.HardeningEnabled() {
		var unsafe []string
		for _, c := range calls {
			if !contains(v.fsTools(), c.Tool) {
				continue
			}
			for _, p := range rawPaths(c) {
				if unsafePath(p) {
					unsafe = append(unsafe, p)
				}
			}
		}
		if len(unsafe) > 0 {
			res.add(AxisVerificationScope, ReasonUnsafePath, dedupe(unsafe)...)
		}
	}

	if scope.ToolCallsOnly && strings.TrimSpace(in.Residue) != "" {
		res.add(AxisVerificationScope, ReasonNonJSONOutput, truncate(in.Residue, 120))
	}
}

func (v Validator) hallucination(scope domain.VerificationScope, in Input, res *Result) {
	calls := in.Turn.ToolCalls

	// Writes create paths, so only reads and deletes must name known ones.
	var paths []string
	for _, c := range calls {
		if !contains(v.fsTools(), c.Tool) {
			continue
		}
		for _, p := range rawPaths(c) {
			if n := v.normalize(p); n != "" {
				paths = append(paths, n)
			}
		}
	}
	paths = dedupe(paths)
	if len(scope.WorkspacePaths) > 0 {
		var unknown []string
		for _, c := range calls {
			if !contains(v.Policy.ReadTools, c.Tool) && !contains(v.Policy.DestructiveTools, c.Tool) {
				continue
			}
			for _, p := range rawPaths(c) {
				if n := v.normalize(p); n != "" && !pathAllowed(n, scope.WorkspacePaths) {
					unknown = append(unknown, n)
				}
			}
		}
		if len(unknown) > 0 {
			res.add(AxisVerificationScope, ReasonUnknownPath, dedupe(unknown)...)
		}
	}

	refs := contextRefs(in)
	if len(scope.ContextItems) > 0 {
		var unknown []string
		for _, r := range refs {
			if !contains(scope.ContextItems, r) {
				unknown = append(unknown, r)
			}
		}
		if len(unknown) > 0 {
			res.add(AxisVerificationScope, ReasonUnknownContextItem, unknown...)
		}
	}

	if len(scope.DeclaredTools) > 0 {
		var undeclared []string
		for _, c := range calls {
			if !contains(scope.DeclaredTools, c.Tool) {
				undeclared = append(undeclared, c.Tool)
			}
		}
		if len(undeclared) > 0 {
			res.add(AxisVerificationScope, ReasonUndeclaredTool, dedupe(undeclared)...)
		}
	}

	counts := map[string]int{
		domain.BudgetPaths:        len(paths),
		domain.BudgetContextItems: len(refs),
		domain.BudgetToolCalls:    len(calls),
	}
	var over []string
	for _, key := range []string{domain.BudgetPaths, domain.BudgetContextItems, domain.BudgetToolCalls} {
		if limit, ok := scope.Budgets[key]; ok && counts[key] > limit {
			over = append(over, fmt.Sprintf("%s %d > %d", key, counts[key], limit))
		}
	}
	if len(over) > 0 {
		res.add(AxisVerificationScope, ReasonBudgetExceeded, over...)
	}

	if scope.StrictGrounding {
		texts := append([]string{in.Residue}, payloadStrings(in.Payloads)...)
		var hits []string
		for _, t := range texts {
			for _, m := range speculative.FindAllString(t, -1) {
				hits = append(hits, strings.ToLower(m))
			}
		}
		if len(hits) > 0 {
			res.add(AxisVerificationScope, ReasonSpeculativeLanguage, dedupe(hits)...)
		}
	}

	if len(scope.ForbiddenPhrases) > 0 {
		content := strings.ToLower(in.Turn.Content)
		var hits []string
		for _, p := range scope.ForbiddenPhrases {
			if strings.Contains(content, p) {
				hits = append(hits, p)
			}
		}
		if len(hits) > 0 {
			res.add(AxisVerificationScope, ReasonForbiddenPhrase, hits...)
		}
	}
}

// pathAllowed accepts exact matches and paths under an allowed directory.
func pathAllowed(p string, allowed []string) bool {
	for _, a := range allowed {
		if p == a || strings.HasPrefix(p, strings.TrimSuffix(a, "/")+"/") {
			return true
		}
	}
	return false
}

func unsafePath(p string) bool {
	s := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~") || (len(s) > 1 && s[1] == ':') {
		return true
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return true
		}
	}
	return strings.HasPrefix(path.Clean(s), "..")
}

// contextRefs collects references to prior context named in payloads or tool arguments.
func contextRefs(in Input) []string {
	var out []string
	collect := func(m map[string]any) {
		for _, key := range contextRefKeys {
			switch t := m[key].(type) {
			case string:
				if s := strings.TrimSpace(t); s != "" {
					out = append(out, s)
				}
			case []any:
				for _, el := range t {
					if s, ok := el.(string); ok && strings.TrimSpace(s) != "" {
						out = append(out, strings.TrimSpace(s))
					}
				}
			}
		}
	}
	for _, p := range in.Payloads {
		collect(p)
	}
	for _, c := range in.Turn.ToolCalls {
		collect(c.Args)
	}
	return dedupe(out)
}

func payloadStrings(payloads []map[string]any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []any:
			for _, el := range t {
				walk(el)
			}
		case map[string]any:
			for _, el := range t {
				walk(el)
			}
		}
	}
	for _, p := range payloads {
		walk(p)
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
