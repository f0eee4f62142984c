package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags why a tool call did not produce a usable result.
type Kind string

const (
	PolicyViolation    Kind = "policy_violation"
	ToolExecutionError Kind = "tool_execution_error"
	ApprovalRequired   Kind = "approval_required"
)

// ErrCancelled is returned when middleware stops the turn before a tool runs.
var ErrCancelled = errors.New("dispatch cancelled")

// CallError describes one failed call. Index is the call's position in the turn.
type CallError struct {
	Kind    Kind
	Index   int
	Tool    string
	Message string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: call %d (%s): %s", e.Kind, e.Index, e.Tool, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// AggregateError carries every failed call of a turn in call order.
type AggregateError struct {
	Errors []*CallError
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, ce := range e.Errors {
		parts = append(parts, ce.Error())
	}
	return fmt.Sprintf("%d tool call(s) failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, ce := range e.Errors {
		out = append(out, ce)
	}
	return out
}

// Kinds lists the kinds present, in call order without repeats.
func (e *AggregateError) Kinds() []Kind {
	var out []Kind
	seen := map[Kind]bool{}
	for _, ce := range e.Errors {
		if !seen[ce.Kind] {
			seen[ce.Kind] = true
			out = append(out, ce.Kind)
		}
	}
	return out
}

// HasKind reports whether any error in err's tree is a CallError of kind k.
func HasKind(err error, k Kind) bool {
	var agg *AggregateError
	if errors.As(err, &agg) {
		for _, ce := range agg.Errors {
			if ce.Kind == k {
				return true
			}
		}
		return false
	}
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == k
}
