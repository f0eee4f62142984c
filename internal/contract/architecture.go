package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cardline/internal/domain"
	"cardline/internal/parser"
)

const (
	ReasonArchitectureMissingWrite      = "architecture_decision.missing_write"
	ReasonArchitectureUnparseable       = "architecture_decision.unparseable"
	ReasonArchitectureRecommendation    = "architecture_decision.invalid_recommendation"
	ReasonArchitectureConfidence        = "architecture_decision.invalid_confidence"
	ReasonArchitectureMissingEvidence   = "architecture_decision.missing_evidence"
	ReasonArchitectureFrontendFramework = "architecture_decision.invalid_frontend_framework"
)

// EvidenceKeys must all be present in an architecture decision.
var EvidenceKeys = []string{
	"problem_scope", "existing_stack", "constraints", "risks", "alternatives_considered", "validation_plan",
}

var (
	salvageString = regexp.MustCompile(`"([A-Za-z_]+)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	salvageNumber = regexp.MustCompile(`"confidence"\s*:\s*"?(-?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)"?`)
)

func (v Validator) architectureDecision(in Input, res *Result) {
	req := in.Context.ArchitectureDecision
	if req == nil || req.Path == "" {
		return
	}
	target := domain.NormalizePath(req.Path)
	content, found := "", false
	for _, c := range in.Turn.ToolCalls {
		if !contains(v.Policy.WriteTools, c.Tool) {
			continue
		}
		for _, p := range rawPaths(c) {
			if v.normalize(p) == target {
				content, found = c.StringArg("content"), true
			}
		}
	}
	if !found {
		res.add(AxisArchitectureDecision, ReasonArchitectureMissingWrite, "expected a write to "+target)
		return
	}
	doc, ok := decodeDecision(content)
	if !ok {
		res.add(AxisArchitectureDecision, ReasonArchitectureUnparseable, target+" is not a JSON object")
		return
	}

	rec := normalizeChoice(stringValue(doc["recommendation"]))
	switch {
	case req.ForcedRecommendation != "":
		if rec != normalizeChoice(req.ForcedRecommendation) {
			res.add(AxisArchitectureDecision, ReasonArchitectureRecommendation,
				fmt.Sprintf("recommendation %q must be %q", rec, req.ForcedRecommendation))
		}
	case rec == "":
		res.add(AxisArchitectureDecision, ReasonArchitectureRecommendation, "recommendation is missing")
	case len(req.AllowedRecommendations) > 0 && !choiceIn(rec, req.AllowedRecommendations):
		res.add(AxisArchitectureDecision, ReasonArchitectureRecommendation,
			fmt.Sprintf("recommendation %q not in %s", rec, strings.Join(req.AllowedRecommendations, ", ")))
	}

	if conf, ok := confidence(doc["confidence"]); !ok || conf < 0 || conf > 1 {
		res.add(AxisArchitectureDecision, ReasonArchitectureConfidence, "confidence must be a number in [0,1]")
	}

	evidence := doc
	if nested, ok := doc["evidence"].(map[string]any); ok {
		evidence = nested
	}
	var missing []string
	for _, key := range EvidenceKeys {
		val, ok := evidence[key]
		if !ok {
			val = doc[key]
		}
		if !nonEmpty(val) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		res.add(AxisArchitectureDecision, ReasonArchitectureMissingEvidence, missing...)
	}

	if fw := normalizeChoice(stringValue(doc["frontend_framework"])); fw != "" && len(req.AllowedFrontendFrameworks) > 0 && !choiceIn(fw, req.AllowedFrontendFrameworks) {
		res.add(AxisArchitectureDecision, ReasonArchitectureFrontendFramework,
			fmt.Sprintf("frontend_framework %q not in %s", fw, strings.Join(req.AllowedFrontendFrameworks, ", ")))
	}
}

// decodeDecision parses strict JSON first, then the first embedded object, then salvages
// string fields and confidence with regular expressions.
func decodeDecision(content string) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &doc); err == nil && doc != nil {
		return doc, true
	}
	if obj, ok := parser.FirstObject(content); ok {
		return obj, true
	}
	doc = map[string]any{}
	for _, m := range salvageString.FindAllStringSubmatch(content, -1) {
		if _, seen := doc[m[1]]; !seen {
			doc[m[1]] = m[2]
		}
	}
	if m := salvageNumber.FindStringSubmatch(content); m != nil {
		doc["confidence"] = m[1]
	}
	if _, ok := doc["recommendation"]; !ok {
		return nil, false
	}
	return doc, true
}

func confidence(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func normalizeChoice(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func choiceIn(v string, allowed []string) bool {
	for _, a := range allowed {
		if normalizeChoice(a) == v {
			return true
		}
	}
	return false
}

// SortedEvidenceKeys returns EvidenceKeys sorted, for prompts.
func SortedEvidenceKeys() []string {
	out := append([]string(nil), EvidenceKeys...)
	sort.Strings(out)
	return out
}
