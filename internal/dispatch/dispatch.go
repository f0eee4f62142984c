// Package dispatch runs the tool calls of an accepted turn, strictly in order, through
// policy, skill contracts, approvals, and the replay cache.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cardline/internal/domain"
)

var tracer = otel.Tracer("cardline/dispatch")

// Runtime executes a single tool.
type Runtime interface {
	Execute(ctx context.Context, tool string, args map[string]any, tc domain.TurnContext) domain.ToolResult
}

// Policy checks a call before it runs and returns a rejection message, or "".
type Policy interface {
	Validate(tool string, args map[string]any, tc domain.TurnContext, roles []string) string
}

// ApprovalStore records calls held for human approval.
type ApprovalStore interface {
	RecordPending(ctx context.Context, a domain.PendingApproval) (domain.PendingApproval, error)
}

// Hooks are optional middleware points. A BeforeTool error stops the remaining calls.
// AfterTool sees every call that got past BeforeTool, rejected and failed ones included;
// for those res.OK is false and res.Error carries the reason.
type Hooks struct {
	BeforeTool func(ctx context.Context, index int, call domain.ToolCall) error
	AfterTool  func(ctx context.Context, index int, call domain.ToolCall, res domain.ToolResult)
}

type Dispatcher struct {
	Runtime          Runtime
	Gate             Policy
	Replay           ReplayCache
	Approvals        ApprovalStore
	ApprovalRequired []string
	Hooks            Hooks
	Logger           *zap.Logger
}

// Outcome reports what happened to each call. Calls mirrors the input order with Result
// and Error filled in.
type Outcome struct {
	Calls    []domain.ToolCall
	Executed int
	Replayed int
	Pending  []domain.PendingApproval
}

// Dispatch runs every call of turn. Failing calls do not stop later ones; their errors are
// returned together as an *AggregateError. Side effects of successful calls are kept.
func (d Dispatcher) Dispatch(ctx context.Context, turn domain.ExecutionTurn, tc domain.TurnContext) (Outcome, error) {
	out := Outcome{Calls: make([]domain.ToolCall, len(turn.ToolCalls))}
	copy(out.Calls, turn.ToolCalls)
	perTool := map[string]int{}
	var failed []*CallError

	for i := range out.Calls {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		call := out.Calls[i]
		perTool[call.Tool]++

		binding, bound := tc.SkillBindings[call.Tool]
		if d.Hooks.BeforeTool != nil {
			if err := d.Hooks.BeforeTool(ctx, i, call); err != nil {
				if !errors.Is(err, ErrCancelled) {
					err = fmt.Errorf("%w: %v", ErrCancelled, err)
				}
				d.logger().Info("dispatch cancelled", zap.String("tool", call.Tool), zap.Int("index", i), zap.Error(err))
				return out, err
			}
		}

		res, cerr := d.run(ctx, i, call, turn, tc, binding, bound, perTool[call.Tool], &out)
		if cerr != nil {
			msg := cerr.Message
			out.Calls[i].Error = &msg
			failed = append(failed, cerr)
			res.OK = false
			if res.Error == "" {
				res.Error = msg
			}
		} else {
			out.Calls[i].Result = resultMap(res)
		}
		if d.Hooks.AfterTool != nil {
			d.Hooks.AfterTool(ctx, i, out.Calls[i], res)
		}
	}
	if len(failed) > 0 {
		return out, &AggregateError{Errors: failed}
	}
	return out, nil
}

func (d Dispatcher) run(ctx context.Context, i int, call domain.ToolCall, turn domain.ExecutionTurn, tc domain.TurnContext, binding domain.SkillBinding, bound bool, nth int, out *Outcome) (domain.ToolResult, *CallError) {
	ctx, span := tracer.Start(ctx, "tool."+call.Tool, trace.WithAttributes(
		attribute.String("tool", call.Tool),
		attribute.Int("index", i),
		attribute.String("issue_id", turn.IssueID),
	))
	defer span.End()
	fail := func(kind Kind, msg string, err error) *CallError {
		span.SetStatus(codes.Error, string(kind))
		if err != nil {
			span.RecordError(err)
		}
		d.logger().Warn("tool call rejected", zap.String("tool", call.Tool), zap.Int("index", i), zap.String("kind", string(kind)), zap.String("reason", msg))
		return &CallError{Kind: kind, Index: i, Tool: call.Tool, Message: msg, Err: err}
	}

	if d.Gate != nil {
		if msg := d.Gate.Validate(call.Tool, call.Args, tc, tc.CallerRoles()); msg != "" {
			return domain.ToolResult{}, fail(PolicyViolation, msg, nil)
		}
	}
	if tc.EnforceSkillContracts {
		if msg := skillContract(call.Tool, binding, bound, tc); msg != "" {
			return domain.ToolResult{}, fail(PolicyViolation, msg, nil)
		}
	}
	if bound && binding.Limits.MaxToolCalls > 0 && nth > binding.Limits.MaxToolCalls {
		return domain.ToolResult{}, fail(PolicyViolation, fmt.Sprintf("%s exceeds max_tool_calls %d", call.Tool, binding.Limits.MaxToolCalls), nil)
	}
	if contains(d.ApprovalRequired, call.Tool) {
		pending := domain.PendingApproval{
			ProjectID: tc.ProjectID,
			RunID:     tc.RunID,
			CardID:    turn.IssueID,
			Role:      turn.Role,
			TurnIndex: tc.TurnIndex,
			Tool:      call.Tool,
			Args:      call.Args,
		}
		if d.Approvals != nil {
			saved, err := d.Approvals.RecordPending(ctx, pending)
			if err != nil {
				return domain.ToolResult{}, fail(ToolExecutionError, "record approval: "+err.Error(), err)
			}
			pending = saved
		}
		out.Pending = append(out.Pending, pending)
		msg := call.Tool + " requires approval"
		if pending.ID != "" {
			msg += " (approval " + pending.ID + ")"
		}
		return domain.ToolResult{}, fail(ApprovalRequired, msg, nil)
	}

	key := domain.ReplayKey{
		SessionID: tc.SessionID,
		IssueID:   turn.IssueID,
		Role:      turn.Role,
		TurnIndex: tc.TurnIndex,
		CallHash:  call.Digest(),
	}
	if tc.Resume && d.Replay != nil {
		res, ok, err := d.Replay.Get(ctx, key)
		if err != nil {
			d.logger().Warn("replay lookup failed", zap.String("tool", call.Tool), zap.Error(err))
		} else if ok {
			out.Replayed++
			span.SetAttributes(attribute.Bool("replayed", true))
			d.logger().Info("tool call", zap.String("tool", call.Tool), zap.Int("index", i), zap.Bool("replayed", true), zap.Int64("duration_ms", 0))
			return res, nil
		}
	}

	if d.Runtime == nil {
		return domain.ToolResult{}, fail(ToolExecutionError, "no tool runtime", nil)
	}
	callCtx := ctx
	if bound && binding.Limits.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(binding.Limits.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	start := time.Now()
	res := d.Runtime.Execute(callCtx, call.Tool, call.Args, tc)
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	if err := callCtx.Err(); err != nil && !res.OK {
		res.Error = strings.TrimSpace(res.Error + " " + err.Error())
	}
	out.Executed++
	if bound && binding.Limits.MaxOutputBytes > 0 {
		res = truncateOutput(res, binding.Limits.MaxOutputBytes)
	}
	d.logger().Info("tool call", zap.String("tool", call.Tool), zap.Int("index", i), zap.Bool("replayed", false), zap.Int64("duration_ms", res.DurationMs))
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "tool failed"
		}
		return res, fail(ToolExecutionError, msg, nil)
	}
	if d.Replay != nil {
		if err := d.Replay.Put(ctx, key, res); err != nil {
			d.logger().Warn("replay store failed", zap.String("tool", call.Tool), zap.Error(err))
		}
	}
	return res, nil
}

// skillContract checks the binding, its permissions, and its limits against the caps.
func skillContract(tool string, b domain.SkillBinding, bound bool, tc domain.TurnContext) string {
	if !bound {
		return "no skill binding for " + tool
	}
	var missing []string
	for _, p := range b.Permissions {
		if !contains(tc.GrantedPermissions, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("skill %s lacks permissions: %s", tool, strings.Join(missing, ", "))
	}
	if !b.Limits.Within(tc.RuntimeLimits) {
		return fmt.Sprintf("skill %s limits exceed runtime caps", tool)
	}
	return ""
}

// truncateOutput replaces an oversized output with a prefix of its JSON encoding.
func truncateOutput(res domain.ToolResult, limit int) domain.ToolResult {
	if res.Output == nil {
		return res
	}
	data, err := json.Marshal(res.Output)
	if err != nil || len(data) <= limit {
		return res
	}
	res.Output = map[string]any{"preview": string(data[:limit]), "bytes": len(data)}
	res.Truncated = true
	return res
}

func resultMap(res domain.ToolResult) map[string]any {
	out := map[string]any{"ok": res.OK}
	for k, v := range res.Output {
		out[k] = v
	}
	if res.Truncated {
		out["truncated"] = true
	}
	return out
}

func (d Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
