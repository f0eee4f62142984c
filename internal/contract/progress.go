package contract

import (
	"strings"

	"cardline/internal/domain"
	"cardline/internal/gate"
	"cardline/internal/statemachine"
)

const (
	ReasonNoToolCalls              = "progress.no_tool_calls"
	ReasonObservationalOnly        = "progress.observational_only"
	ReasonMissingRequiredTools     = "progress.missing_required_tools"
	ReasonMissingRequiredStatus    = "progress.missing_required_status"
	ReasonBlockedWithoutWaitReason = "progress.blocked_without_wait_reason"
)

func (v Validator) progress(in Input, res *Result) {
	calls := in.Turn.ToolCalls
	if len(in.Role.Tools) > 0 && len(calls) == 0 {
		res.add(AxisProgress, ReasonNoToolCalls, "role "+in.Role.Name+" called none of its tools")
	}
	called := calledTools(calls)
	if len(calls) > 0 && len(in.Context.RequiredActionTools) > 0 {
		observational := true
		for _, c := range calls {
			if !contains(v.Policy.ObservationalTools, c.Tool) {
				observational = false
				break
			}
		}
		if observational {
			res.add(AxisProgress, ReasonObservationalOnly, "only observational tools were called")
		}
	}
	if missing := missingFrom(in.Context.RequiredActionTools, called, strings.TrimSpace); len(missing) > 0 {
		res.add(AxisProgress, ReasonMissingRequiredTools, missing...)
	}
	if len(in.Context.RequiredStatuses) == 0 {
		return
	}
	reached, blockedNoReason := v.statusReached(calls, in.Context.RequiredStatuses)
	if reached {
		return
	}
	if blockedNoReason != "" {
		res.add(AxisProgress, ReasonBlockedWithoutWaitReason, "status "+blockedNoReason+" needs one of "+strings.Join(domain.WaitReasons, ", "))
		return
	}
	want := make([]string, 0, len(in.Context.RequiredStatuses))
	for _, s := range in.Context.RequiredStatuses {
		want = append(want, string(s))
	}
	res.add(AxisProgress, ReasonMissingRequiredStatus, "expected one of "+strings.Join(want, ", "))
}

// statusReached reports whether a status call lands on a required status. A call to
// BLOCKED or WAITING_FOR_DEVELOPER only counts with an enumerated wait reason; such a
// call without one is reported back.
func (v Validator) statusReached(calls []domain.ToolCall, required []domain.Status) (bool, string) {
	blockedNoReason := ""
	for _, c := range calls {
		if !v.isStatusCall(c) {
			continue
		}
		st, ok := domain.ParseStatus(c.StringArg("status"))
		if !ok || !statusIn(st, required) {
			continue
		}
		if statemachine.RequiresWaitReason(st) && !statemachine.ValidWaitReason(gate.WaitReason(c)) {
			blockedNoReason = string(st)
			continue
		}
		return true, ""
	}
	return false, blockedNoReason
}

func statusIn(s domain.Status, list []domain.Status) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

// StatusCalls returns the parsed target statuses of every status call, in order.
func (v Validator) StatusCalls(calls []domain.ToolCall) []domain.Status {
	var out []domain.Status
	for _, c := range calls {
		if !v.isStatusCall(c) {
			continue
		}
		if st, ok := domain.ParseStatus(c.StringArg("status")); ok {
			out = append(out, st)
		}
	}
	return out
}
