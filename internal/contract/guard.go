package contract

import (
	"strings"

	"cardline/internal/domain"
	"cardline/internal/gate"
)

const (
	ReasonGuardPayloadMissing       = "guard_rejection_payload.missing"
	ReasonGuardDependencyNotPending = "guard_rejection_payload.dependency_not_unresolved"
)

// GuardPayloadKeys must be non-empty in a guard rejection payload.
var GuardPayloadKeys = []string{"rationale", "violations", "remediation_actions"}

// guardRejection applies in review_required mode: blocking a card needs a structured
// rejection payload, and a dependency block needs an unresolved dependency.
func (v Validator) guardRejection(in Input, res *Result) {
	if in.Context.StageGateMode != domain.StageGateReviewRequired {
		return
	}
	var blocks []domain.ToolCall
	for _, c := range in.Turn.ToolCalls {
		if !v.isStatusCall(c) {
			continue
		}
		if st, ok := domain.ParseStatus(c.StringArg("status")); ok && st == domain.StatusBlocked {
			blocks = append(blocks, c)
		}
	}
	if len(blocks) == 0 {
		return
	}
	for _, c := range blocks {
		if gate.WaitReason(c) == domain.WaitDependency && len(in.Context.Dependencies.Unresolved) == 0 {
			res.add(AxisGuardRejection, ReasonGuardDependencyNotPending,
				"blocked on dependency but no dependency is unresolved")
			break
		}
	}
	if _, ok := GuardPayload(in.Payloads); !ok {
		res.add(AxisGuardRejection, ReasonGuardPayloadMissing, "expected a JSON object with non-empty "+strings.Join(GuardPayloadKeys, ", "))
	}
}

// GuardPayload returns the first payload carrying every guard rejection key.
func GuardPayload(payloads []map[string]any) (map[string]any, bool) {
	for _, p := range payloads {
		ok := true
		for _, key := range GuardPayloadKeys {
			if !nonEmpty(p[key]) {
				ok = false
				break
			}
		}
		if ok {
			return p, true
		}
	}
	return nil, false
}
