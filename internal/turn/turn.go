// Package turn executes one role's request, validation, and tool cycle against a card.
package turn

import (
	"context"
	"fmt"

	"cardline/internal/dispatch"
	"cardline/internal/domain"
	"cardline/internal/model"
)

type State string

const (
	StatePreparing   State = "PREPARING"
	StatePrompted    State = "PROMPTED"
	StateParsed      State = "PARSED"
	StateValidating  State = "VALIDATING"
	StateReprompted  State = "REPROMPTED"
	StateDispatching State = "DISPATCHING"
	StateComplete    State = "COMPLETE"
	StateFailed      State = "FAILED"
)

type FailureType string

const (
	FailureContract       FailureType = "contract_violation"
	FailureModelTimeout   FailureType = "model_timeout"
	FailureModelError     FailureType = "model_error"
	FailureToolValidation FailureType = "tool_validation"
	FailureCancelled      FailureType = "cancelled"
	FailureState          FailureType = "state_violation"
)

// Failure ends a turn. Only model timeouts are Retryable.
type Failure struct {
	Type       FailureType
	Reason     string
	Retryable  bool
	Violations []domain.Violation
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", f.Type, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Request is one turn of Role against Card. SystemPrompt overrides the role mission.
type Request struct {
	Card         domain.CardSummary
	Role         domain.Role
	Context      domain.TurnContext
	SystemPrompt string
}

type Result struct {
	Success bool
	// Turn is the accepted (or last rejected) model turn as parsed.
	Turn       domain.ExecutionTurn
	Dispatched []domain.ToolCall
	ModelCalls int
	Violations []domain.Violation
	Notices    []string
	Failure    *Failure
	Checkpoint domain.Checkpoint
	States     []State
	PromptHash string
	// Synthesized is set when the executor appended a missing status call.
	Synthesized bool
	Pending     []domain.PendingApproval
	Usage       model.Usage
	Trace       []domain.TraceEvent
}

// ShouldRetry reports whether the caller may rerun the whole turn.
func (r Result) ShouldRetry() bool {
	return r.Failure != nil && r.Failure.Retryable
}

// ToolDispatcher runs an accepted turn's calls.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, turn domain.ExecutionTurn, tc domain.TurnContext) (dispatch.Outcome, error)
}

type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

type ArtifactSink interface {
	Emit(ctx context.Context, a domain.Artifact) error
}

type ViolationRecorder interface {
	RecordViolations(ctx context.Context, runID, cardID string, turnIndex, attempt int, violations []domain.Violation) error
}

// Hooks are optional middleware. An error from BeforePrompt or AfterModel cancels the turn.
type Hooks struct {
	BeforePrompt func(ctx context.Context, messages []model.Message) error
	AfterModel   func(ctx context.Context, attempt int, res model.Response) error
	OnFailure    func(ctx context.Context, req Request, f *Failure)
}
