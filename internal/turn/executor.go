package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cardline/internal/contract"
	"cardline/internal/dispatch"
	"cardline/internal/domain"
	"cardline/internal/model"
	"cardline/internal/parser"
	"cardline/internal/reprompt"
)

var tracer = otel.Tracer("cardline/turn")

// Executor runs turns. It holds no per-turn state and may be shared across goroutines
// when its collaborators are.
type Executor struct {
	Model       model.Client
	Validator   contract.Validator
	Dispatcher  ToolDispatcher
	Checkpoints Checkpointer
	Artifacts   ArtifactSink
	Violations  ViolationRecorder
	Hooks       Hooks

	ModelTimeout time.Duration
	ModelName    string
	GuardRoles   []string
	Logger       *zap.Logger
	Now          func() time.Time
}

// run carries the mutable state of one Execute call.
type run struct {
	ex       Executor
	req      Request
	tc       domain.TurnContext
	res      Result
	log      *zap.Logger
	attempt  int
	messages []model.Message
}

// Execute runs one turn. On failure the returned error is the *Failure also stored in
// the result. Checkpoints and artifacts are written either way.
func (e Executor) Execute(ctx context.Context, req Request) (Result, error) {
	r := &run{ex: e, req: req, tc: req.Context}
	r.tc.Role = req.Role.Name
	r.tc.IssueID = req.Card.ID
	if r.tc.ProjectID == "" {
		r.tc.ProjectID = req.Card.ProjectID
	}
	if r.tc.CardType == "" {
		r.tc.CardType = req.Card.Type
	}
	if r.tc.CurrentStatus == "" {
		r.tc.CurrentStatus = req.Card.Status
	}
	r.log = e.logger().With(
		zap.String("run_id", r.tc.RunID),
		zap.String("issue_id", r.tc.IssueID),
		zap.String("role", r.tc.Role),
		zap.Int("turn_index", r.tc.TurnIndex),
	)

	ctx, span := tracer.Start(ctx, "turn.execute", trace.WithAttributes(
		attribute.String("run_id", r.tc.RunID),
		attribute.String("issue_id", r.tc.IssueID),
		attribute.String("role", r.tc.Role),
		attribute.Int("turn_index", r.tc.TurnIndex),
	))
	defer span.End()

	failure := r.execute(ctx)
	if failure != nil {
		r.res.Failure = failure
		r.enter(StateFailed, zap.String("reason", failure.Reason), zap.String("failure_type", string(failure.Type)))
		span.SetStatus(codes.Error, string(failure.Type))
		span.RecordError(failure)
	} else {
		r.res.Success = true
		r.enter(StateComplete)
	}
	r.finish(ctx)
	r.res.Trace = r.tc.Trace
	if failure != nil {
		if e.Hooks.OnFailure != nil {
			e.Hooks.OnFailure(ctx, req, failure)
		}
		return r.res, failure
	}
	return r.res, nil
}

func (r *run) execute(ctx context.Context) *Failure {
	r.enter(StatePreparing)
	r.messages = BuildMessages(r.req)
	r.res.PromptHash = domain.HashJSON(r.messages)
	if h := r.ex.Hooks.BeforePrompt; h != nil {
		if err := h(ctx, r.messages); err != nil {
			return &Failure{Type: FailureCancelled, Reason: "before_prompt: " + err.Error(), Err: err}
		}
	}

	turn, verdict, f := r.attemptTurn(ctx)
	if f != nil {
		return f
	}
	if !verdict.OK() {
		r.recordViolations(ctx, verdict.Violations)
		r.messages = append(r.messages,
			model.Message{Role: model.RoleAssistant, Content: turn.Content},
			model.Message{Role: model.RoleUser, Content: reprompt.Build(verdict.Violations, r.tc)},
		)
		r.enter(StateReprompted, zap.Int("violations", len(verdict.Violations)), zap.String("reason", verdict.Violations[0].Reason))
		turn, verdict, f = r.attemptTurn(ctx)
		if f != nil {
			return f
		}
		if !verdict.OK() {
			r.recordViolations(ctx, verdict.Violations)
			return &Failure{
				Type:       FailureContract,
				Reason:     verdict.Violations[0].Reason,
				Violations: verdict.Violations,
			}
		}
	}

	r.enter(StateDispatching, zap.Int("tool_calls", len(turn.ToolCalls)))
	dctx, span := tracer.Start(ctx, "turn.dispatch", trace.WithAttributes(attribute.Int("tool_calls", len(turn.ToolCalls))))
	defer span.End()
	if r.ex.Dispatcher == nil {
		r.res.Dispatched = turn.ToolCalls
		return nil
	}
	out, err := r.ex.Dispatcher.Dispatch(dctx, turn, r.tc)
	r.res.Dispatched = out.Calls
	r.res.Pending = out.Pending
	r.tc.Record("dispatch", map[string]any{"executed": out.Executed, "replayed": out.Replayed, "pending": len(out.Pending)})
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if errors.Is(err, dispatch.ErrCancelled) {
		return &Failure{Type: FailureCancelled, Reason: err.Error(), Err: err}
	}
	var agg *dispatch.AggregateError
	if errors.As(err, &agg) && len(agg.Errors) > 0 {
		first := agg.Errors[0]
		typ := FailureToolValidation
		for _, ce := range agg.Errors {
			if ce.Tool == r.ex.Validator.Policy.StatusTool && ce.Kind != dispatch.ApprovalRequired {
				typ = FailureState
				first = ce
				break
			}
		}
		return &Failure{Type: typ, Reason: fmt.Sprintf("%s: %s", first.Kind, first.Message), Err: err}
	}
	return &Failure{Type: FailureToolValidation, Reason: err.Error(), Err: err}
}

// attemptTurn calls the model once, parses the reply, and validates it.
func (r *run) attemptTurn(ctx context.Context) (domain.ExecutionTurn, contract.Result, *Failure) {
	r.attempt++
	resp, f := r.callModel(ctx)
	if f != nil {
		return domain.ExecutionTurn{}, contract.Result{}, f
	}
	r.enter(StatePrompted, zap.Int("tokens", resp.Usage.TotalTokens))
	if h := r.ex.Hooks.AfterModel; h != nil {
		if err := h(ctx, r.attempt, resp); err != nil {
			return domain.ExecutionTurn{}, contract.Result{}, &Failure{Type: FailureCancelled, Reason: "after_model: " + err.Error(), Err: err}
		}
	}

	parsed := parser.Parse(resp.Content)
	calls, synthesized := synthesizeStatus(parsed.ToolCalls, r.ex.Validator.Policy.StatusTool, r.tc, r.ex.GuardRoles)
	if synthesized {
		r.res.Synthesized = true
		r.tc.Record("status_synthesized", map[string]any{"status": calls[len(calls)-1].Args["status"], "attempt": r.attempt})
	}
	turn := domain.ExecutionTurn{
		Role:       r.tc.Role,
		IssueID:    r.tc.IssueID,
		Content:    resp.Content,
		ToolCalls:  calls,
		TokensUsed: resp.Usage.TotalTokens,
		Timestamp:  r.now(),
	}
	r.res.Turn = turn
	r.enter(StateParsed, zap.Int("tool_calls", len(calls)), zap.Int("malformed", len(parsed.Malformed)))

	r.enter(StateValidating)
	verdict := r.ex.Validator.Validate(contract.Input{
		Role:     r.req.Role,
		Turn:     turn,
		Payloads: parsed.Payloads,
		Residue:  parsed.Residue,
		Context:  r.tc,
	})
	r.res.Violations = verdict.Violations
	r.res.Notices = verdict.Notices
	r.tc.Record("validated", map[string]any{"attempt": r.attempt, "violations": verdict.Reasons(), "notices": verdict.Notices})
	return turn, verdict, nil
}

func (r *run) callModel(ctx context.Context) (model.Response, *Failure) {
	if r.ex.Model == nil {
		return model.Response{}, &Failure{Type: FailureModelError, Reason: "no model client"}
	}
	mctx, span := tracer.Start(ctx, "turn.model_call", trace.WithAttributes(attribute.Int("attempt", r.attempt)))
	defer span.End()
	if r.ex.ModelTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(mctx, r.ex.ModelTimeout)
		defer cancel()
	}
	r.res.ModelCalls++
	resp, err := r.ex.Model.Complete(mctx, r.messages)
	if err == nil {
		r.res.Usage.PromptTokens += resp.Usage.PromptTokens
		r.res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		r.res.Usage.TotalTokens += resp.Usage.TotalTokens
		r.res.Usage.Latency += resp.Usage.Latency
		if resp.Usage.Model != "" {
			r.res.Usage.Model = resp.Usage.Model
		}
		return resp, nil
	}
	span.RecordError(err)
	switch {
	case ctx.Err() != nil:
		return resp, &Failure{Type: FailureCancelled, Reason: ctx.Err().Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return resp, &Failure{Type: FailureModelTimeout, Reason: "model call timed out", Retryable: true, Err: err}
	}
	return resp, &Failure{Type: FailureModelError, Reason: err.Error(), Err: err}
}

func (r *run) recordViolations(ctx context.Context, violations []domain.Violation) {
	if r.ex.Violations == nil {
		return
	}
	if err := r.ex.Violations.RecordViolations(ctx, r.tc.RunID, r.tc.IssueID, r.tc.TurnIndex, r.attempt, violations); err != nil {
		r.log.Warn("record violations failed", zap.Error(err))
	}
}

// finish writes the checkpoint and both artifacts. Persistence errors are logged; they
// do not change the turn outcome.
func (r *run) finish(ctx context.Context) {
	failureType := ""
	if r.res.Failure != nil {
		failureType = string(r.res.Failure.Type)
	}
	calls := r.res.Dispatched
	if calls == nil {
		calls = []domain.ToolCall{}
	}
	delta := domain.StateDelta{From: r.tc.CurrentStatus}
	if r.res.Success {
		delta.To = lastStatus(calls, r.ex.Validator.Policy.StatusTool)
	}
	modelName := r.ex.ModelName
	if modelName == "" {
		modelName = r.res.Usage.Model
	}
	cp := domain.Checkpoint{
		RunID:      r.tc.RunID,
		IssueID:    r.tc.IssueID,
		TurnIndex:  r.tc.TurnIndex,
		Role:       r.tc.Role,
		PromptHash: r.res.PromptHash,
		Model:      modelName,
		ToolCalls:  calls,
		StateDelta: delta,
		PromptMetadata: map[string]any{
			"attempts":     r.attempt,
			"model_calls":  r.res.ModelCalls,
			"total_tokens": r.res.Usage.TotalTokens,
			"synthesized":  r.res.Synthesized,
			"scope_hash":   r.tc.Verification.Hash(),
			"notices":      r.res.Notices,
		},
		CapturedAt:  r.now().UTC().Format(time.RFC3339),
		FailureType: failureType,
	}
	r.res.Checkpoint = cp
	if r.ex.Checkpoints != nil {
		if err := r.ex.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			r.log.Warn("save checkpoint failed", zap.Error(err))
		}
	}
	if r.ex.Artifacts == nil {
		return
	}
	states := make([]string, 0, len(r.res.States))
	for _, s := range r.res.States {
		states = append(states, string(s))
	}
	audit := map[string]any{
		"success":     r.res.Success,
		"model_calls": r.res.ModelCalls,
		"tool_calls":  len(calls),
		"violations":  r.res.Violations,
		"states":      states,
		"prompt_hash": r.res.PromptHash,
	}
	if r.res.Failure != nil {
		audit["reason"] = r.res.Failure.Reason
		audit["retryable"] = r.res.Failure.Retryable
	}
	for _, a := range []domain.Artifact{
		r.artifact(domain.ArtifactAudit, failureType, audit),
		r.artifact(domain.ArtifactMemoryTrace, failureType, map[string]any{"trace": r.tc.Trace}),
	} {
		if err := r.ex.Artifacts.Emit(ctx, a); err != nil {
			r.log.Warn("emit artifact failed", zap.String("kind", a.Kind), zap.Error(err))
		}
	}
}

func (r *run) artifact(kind, failureType string, payload map[string]any) domain.Artifact {
	return domain.Artifact{
		Kind:        kind,
		ProjectID:   r.tc.ProjectID,
		RunID:       r.tc.RunID,
		IssueID:     r.tc.IssueID,
		TurnIndex:   r.tc.TurnIndex,
		Role:        r.tc.Role,
		FailureType: failureType,
		Payload:     payload,
		CreatedAt:   r.now().UTC().Format(time.RFC3339),
	}
}

func (r *run) enter(s State, fields ...zap.Field) {
	r.res.States = append(r.res.States, s)
	r.tc.Record("state", map[string]any{"state": string(s), "attempt": r.attempt})
	r.log.Info("turn state", append([]zap.Field{zap.String("state", string(s)), zap.Int("attempt", r.attempt)}, fields...)...)
}

func (r *run) now() time.Time {
	if r.ex.Now != nil {
		return r.ex.Now()
	}
	return time.Now()
}

func (e Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
