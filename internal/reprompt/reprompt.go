// Package reprompt builds the single corrective message sent after a turn violates its
// contracts. Output depends only on the violations and the turn context.
package reprompt

import (
	"fmt"
	"sort"
	"strings"

	"cardline/internal/contract"
	"cardline/internal/domain"
)

var instructions = map[string]string{
	contract.ReasonNoToolCalls:                   "Respond with tool calls. Prose alone does not advance the card.",
	contract.ReasonObservationalOnly:             "Reading is not enough. Call at least one action tool this turn.",
	contract.ReasonMissingRequiredTools:          "Call every required action tool.",
	contract.ReasonMissingRequiredStatus:         "Finish with a status update to one of the required statuses.",
	contract.ReasonBlockedWithoutWaitReason:      "A BLOCKED or WAITING_FOR_DEVELOPER update must include wait_reason.",
	contract.ReasonMissingWritePaths:             "Write every required path with write_file.",
	contract.ReasonMissingReadPaths:              "Read every required path with read_file, using the exact workspace-relative path.",
	contract.ReasonArchitectureMissingWrite:      "Write the architecture decision JSON to the configured path.",
	contract.ReasonArchitectureUnparseable:       "The architecture decision must be a single JSON object.",
	contract.ReasonArchitectureRecommendation:    "Set recommendation to one of the allowed values.",
	contract.ReasonArchitectureConfidence:        "Set confidence to a number between 0 and 1.",
	contract.ReasonArchitectureMissingEvidence:   "Fill every evidence key with concrete content.",
	contract.ReasonArchitectureFrontendFramework: "Set frontend_framework to one of the allowed values or omit it.",
	contract.ReasonGuardPayloadMissing:           "Add a JSON object with non-empty rationale, violations, and remediation_actions.",
	contract.ReasonGuardDependencyNotPending:     "Do not block on dependency: no dependency is unresolved. Choose another wait_reason or approve.",
	contract.ReasonUnknownPath:                   "Only reference workspace paths from the allowed list.",
	contract.ReasonUnknownContextItem:            "Only reference context items you were given.",
	contract.ReasonUndeclaredTool:                "Only call declared tools.",
	contract.ReasonBudgetExceeded:                "Stay within the reference budgets.",
	contract.ReasonSpeculativeLanguage:           "State only what you verified. Remove speculative wording.",
	contract.ReasonForbiddenPhrase:               "Remove the forbidden phrases.",
	contract.ReasonUnsafePath:                    "Use workspace-relative paths without '..'.",
	contract.ReasonNonJSONOutput:                 "Respond with JSON tool calls only, no surrounding prose.",
}

// Build renders the corrective prompt. Equal violation lists and contexts produce
// byte-identical text.
func Build(violations []domain.Violation, ctx domain.TurnContext) string {
	var b strings.Builder
	b.WriteString("Your previous response was rejected. Fix every item below and respond again with the complete set of tool calls for this turn.\n\n")
	b.WriteString("Violations:\n")
	for i, v := range violations {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, v.Axis, v.String())
	}

	seen := map[string]bool{}
	var fixes []string
	for _, v := range violations {
		if seen[v.Reason] {
			continue
		}
		seen[v.Reason] = true
		if text, ok := instructions[v.Reason]; ok {
			fixes = append(fixes, text)
		}
	}
	if len(fixes) > 0 {
		b.WriteString("\nRequired fixes:\n")
		for _, f := range fixes {
			b.WriteString("- " + f + "\n")
		}
	}

	if reminder := Requirements(ctx); reminder != "" {
		b.WriteString("\n" + reminder)
	}
	return b.String()
}

// Requirements summarizes the turn's contract requirements, sorted within each line.
func Requirements(ctx domain.TurnContext) string {
	var lines []string
	if len(ctx.RequiredActionTools) > 0 {
		lines = append(lines, "required tools: "+joinSorted(ctx.RequiredActionTools))
	}
	if len(ctx.RequiredStatuses) > 0 {
		st := make([]string, 0, len(ctx.RequiredStatuses))
		for _, s := range ctx.RequiredStatuses {
			st = append(st, string(s))
		}
		lines = append(lines, "required statuses: "+joinSorted(st))
	}
	if len(ctx.RequiredWritePaths) > 0 {
		lines = append(lines, "required write paths: "+joinSorted(normalized(ctx.RequiredWritePaths)))
	}
	if len(ctx.RequiredReadPaths) > 0 {
		lines = append(lines, "required read paths: "+joinSorted(normalized(ctx.RequiredReadPaths)))
	}
	if ad := ctx.ArchitectureDecision; ad != nil && ad.Path != "" {
		line := "architecture decision: " + domain.NormalizePath(ad.Path)
		if ad.ForcedRecommendation != "" {
			line += ", recommendation " + ad.ForcedRecommendation
		} else if len(ad.AllowedRecommendations) > 0 {
			line += ", recommendation in " + joinSorted(ad.AllowedRecommendations)
		}
		line += ", evidence keys " + strings.Join(contract.SortedEvidenceKeys(), ", ")
		lines = append(lines, line)
	}
	if ctx.StageGateMode == domain.StageGateReviewRequired {
		lines = append(lines, "blocking requires: "+strings.Join(contract.GuardPayloadKeys, ", "))
	}
	if len(ctx.Verification.WorkspacePaths) > 0 {
		lines = append(lines, "allowed paths: "+strings.Join(ctx.Verification.Normalize().WorkspacePaths, ", "))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Requirements:\n- " + strings.Join(lines, "\n- ") + "\n"
}

func normalized(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if n := domain.NormalizePath(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func joinSorted(in []string) string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return strings.Join(out, ", ")
}
