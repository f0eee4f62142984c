package turn

import (
	"encoding/json"
	"strings"

	"cardline/internal/domain"
	"cardline/internal/model"
	"cardline/internal/reprompt"
	"cardline/internal/statemachine"
)

const responseFormat = `Respond with JSON: {"tool_calls":[{"tool":"<name>","args":{...}}]}. Add other JSON objects only when a contract asks for them.`

// BuildMessages renders the initial conversation: system prompt, then the card, the
// execution context, and the contract reminders as one user message.
func BuildMessages(req Request) []model.Message {
	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = strings.TrimSpace(req.Role.Mission)
	}
	if system == "" {
		system = "You are the " + req.Role.Name + " role."
	}
	if len(req.Role.Tools) > 0 {
		system += "\n\nAllowed tools: " + strings.Join(req.Role.Tools, ", ") + "."
	}
	system += "\n\n" + responseFormat

	tc := req.Context
	card, _ := json.MarshalIndent(req.Card, "", "  ")
	execCtx, _ := json.MarshalIndent(map[string]any{
		"run_id":          tc.RunID,
		"turn_index":      tc.TurnIndex,
		"role":            req.Role.Name,
		"current_status":  tc.CurrentStatus,
		"allowed_next":    statemachine.Next(req.Card.Type, tc.CurrentStatus),
		"dependencies":    tc.Dependencies,
		"stage_gate_mode": tc.StageGateMode,
		"wait_reasons":    domain.WaitReasons,
	}, "", "  ")

	var user strings.Builder
	user.WriteString("Card:\n")
	user.Write(card)
	user.WriteString("\n\nExecution context:\n")
	user.Write(execCtx)
	user.WriteString("\n")
	if reminder := reprompt.Requirements(tc); reminder != "" {
		user.WriteString("\n" + reminder)
	}
	return []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user.String()},
	}
}

// synthesizeStatus appends a status call when the model acted but forgot to move the
// card, in two cases only: a single non-waiting required status, or a guard role with a
// passed verifier whose required statuses are exactly DONE and BLOCKED.
func synthesizeStatus(calls []domain.ToolCall, statusTool string, tc domain.TurnContext, guardRoles []string) ([]domain.ToolCall, bool) {
	if statusTool == "" || len(calls) == 0 {
		return calls, false
	}
	for _, c := range calls {
		if c.Tool == statusTool {
			return calls, false
		}
	}
	var target domain.Status
	switch {
	case len(tc.RequiredStatuses) == 1 && !statemachine.RequiresWaitReason(tc.RequiredStatuses[0]):
		target = tc.RequiredStatuses[0]
	case tc.VerifierPassed && isGuard(tc.Role, guardRoles) && doneOrBlocked(tc.RequiredStatuses):
		target = domain.StatusDone
	default:
		return calls, false
	}
	out := make([]domain.ToolCall, len(calls), len(calls)+1)
	copy(out, calls)
	out = append(out, domain.ToolCall{Tool: statusTool, Args: map[string]any{"status": string(target)}})
	return out, true
}

func isGuard(role string, guardRoles []string) bool {
	for _, g := range guardRoles {
		if strings.EqualFold(g, role) {
			return true
		}
	}
	return false
}

func doneOrBlocked(required []domain.Status) bool {
	if len(required) != 2 {
		return false
	}
	seen := map[domain.Status]bool{}
	for _, s := range required {
		seen[s] = true
	}
	return seen[domain.StatusDone] && seen[domain.StatusBlocked]
}

// lastStatus returns the target of the last status call, or "".
func lastStatus(calls []domain.ToolCall, statusTool string) domain.Status {
	var out domain.Status
	for _, c := range calls {
		if c.Tool != statusTool || c.Error != nil {
			continue
		}
		if st, ok := domain.ParseStatus(c.StringArg("status")); ok {
			out = st
		}
	}
	return out
}
