package statemachine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cardline/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMissingWaitReason = errors.New("wait reason required")
	ErrPermissionDenied  = errors.New("permission denied")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Kind     error
	CardType domain.CardType
	From     domain.Status
	To       domain.Status
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case ErrMissingWaitReason:
		return fmt.Sprintf("%s: %s requires a wait reason", e.Kind, e.To)
	case ErrPermissionDenied:
		return fmt.Sprintf("%s: %s on %s requires a finalizer role", e.Kind, e.To, e.CardType)
	}
	return fmt.Sprintf("%s: %s %s -> %s", e.Kind, e.CardType, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == e.Kind }

type table map[domain.Status][]domain.Status

const (
	stReady    = domain.StatusReady
	stProgress = domain.StatusInProgress
	stBlocked  = domain.StatusBlocked
	stWaiting  = domain.StatusWaitingForDeveloper
	stTesting  = domain.StatusReadyForTesting
	stReview   = domain.StatusCodeReview
	stGuard    = domain.StatusAwaitingGuardReview
	stDone     = domain.StatusDone
	stCanceled = domain.StatusCanceled
	stArchived = domain.StatusArchived
	stRejected = domain.StatusGuardRejected
	stApproved = domain.StatusGuardApproved
)

var tables = map[domain.CardType]table{
	domain.CardIssue: {
		stReady:    {stProgress, stBlocked, stWaiting, stCanceled},
		stProgress: {stTesting, stReview, stBlocked, stWaiting, stGuard, stCanceled, stReady},
		stBlocked:  {stReady, stProgress, stCanceled},
		stWaiting:  {stReady, stProgress, stCanceled},
		stTesting:  {stReview, stProgress, stBlocked},
		stReview:   {stGuard, stProgress, stBlocked, stDone},
		stGuard:    {stApproved, stRejected, stBlocked},
		stApproved: {stDone, stProgress},
		stRejected: {stProgress, stReady, stBlocked},
		stDone:     {stArchived, stProgress},
		stCanceled: {stArchived, stReady},
		stArchived: {},
	},
	domain.CardEpic: {
		stReady:    {stProgress, stBlocked, stCanceled},
		stProgress: {stBlocked, stDone, stCanceled, stWaiting},
		stBlocked:  {stProgress, stReady, stCanceled},
		stWaiting:  {stProgress, stCanceled},
		stDone:     {stArchived, stProgress},
		stCanceled: {stArchived},
		stArchived: {},
	},
	domain.CardRock: {
		stReady:    {stProgress, stCanceled},
		stProgress: {stDone, stBlocked, stCanceled},
		stBlocked:  {stProgress, stCanceled},
		stDone:     {stArchived},
		stCanceled: {stArchived},
		stArchived: {},
	},
}

// Machine validates card status changes. It holds no card state.
type Machine struct {
	FinalizerRoles []string
}

func New(finalizerRoles []string) Machine {
	return Machine{FinalizerRoles: finalizerRoles}
}

// Next lists the statuses reachable from the given one, in table order.
func Next(t domain.CardType, from domain.Status) []domain.Status {
	next := tables[t][from]
	out := make([]domain.Status, len(next))
	copy(out, next)
	return out
}

// Allowed reports whether the table permits from -> to for the card type.
func Allowed(t domain.CardType, from, to domain.Status) bool {
	for _, s := range tables[t][from] {
		if s == to {
			return true
		}
	}
	return false
}

// Known reports whether the status appears in the card type's table.
func Known(t domain.CardType, s domain.Status) bool {
	_, ok := tables[t][s]
	return ok
}

// RequiresWaitReason reports whether entering s needs an enumerated wait reason.
func RequiresWaitReason(s domain.Status) bool {
	return s == domain.StatusBlocked || s == domain.StatusWaitingForDeveloper
}

// ValidWaitReason reports whether reason is one of the enumerated wait reasons.
func ValidWaitReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	for _, r := range domain.WaitReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// ValidateTransition checks a requested status change against the table, the wait-reason
// rule, and the finalizer rule, in that order.
func (m Machine) ValidateTransition(t domain.CardType, current, requested domain.Status, roles []string, waitReason string) error {
	if !Allowed(t, current, requested) {
		return &TransitionError{Kind: ErrInvalidTransition, CardType: t, From: current, To: requested}
	}
	if RequiresWaitReason(requested) && strings.TrimSpace(waitReason) == "" {
		return &TransitionError{Kind: ErrMissingWaitReason, CardType: t, From: current, To: requested}
	}
	if t == domain.CardIssue && requested == domain.StatusDone && !m.isFinalizer(roles) {
		return &TransitionError{Kind: ErrPermissionDenied, CardType: t, From: current, To: requested}
	}
	return nil
}

func (m Machine) isFinalizer(roles []string) bool {
	for _, r := range roles {
		for _, f := range m.FinalizerRoles {
			if strings.EqualFold(r, f) {
				return true
			}
		}
	}
	return false
}

// CardTypes lists the card types with a transition table, sorted.
func CardTypes() []domain.CardType {
	out := make([]domain.CardType, 0, len(tables))
	for t := range tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
