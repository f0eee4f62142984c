package domain

import "strings"

type CardType string

const (
	CardIssue CardType = "issue"
	CardEpic  CardType = "epic"
	CardRock  CardType = "rock"
)

type Status string

const (
	StatusReady               Status = "READY"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusBlocked             Status = "BLOCKED"
	StatusWaitingForDeveloper Status = "WAITING_FOR_DEVELOPER"
	StatusReadyForTesting     Status = "READY_FOR_TESTING"
	StatusCodeReview          Status = "CODE_REVIEW"
	StatusAwaitingGuardReview Status = "AWAITING_GUARD_REVIEW"
	StatusDone                Status = "DONE"
	StatusCanceled            Status = "CANCELED"
	StatusArchived            Status = "ARCHIVED"
	StatusGuardRejected       Status = "GUARD_REJECTED"
	StatusGuardApproved       Status = "GUARD_APPROVED"
)

// AllStatuses lists every card status in lifecycle order.
var AllStatuses = []Status{
	StatusReady, StatusInProgress, StatusBlocked, StatusWaitingForDeveloper,
	StatusReadyForTesting, StatusCodeReview, StatusAwaitingGuardReview, StatusDone,
	StatusCanceled, StatusArchived, StatusGuardRejected, StatusGuardApproved,
}

// ParseStatus normalizes a status name; "code_review" and "CODE_REVIEW" are the same status.
func ParseStatus(s string) (Status, bool) {
	norm := Status(strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	for _, st := range AllStatuses {
		if st == norm {
			return st, true
		}
	}
	return norm, false
}

// ParseCardType normalizes a card type name.
func ParseCardType(s string) (CardType, bool) {
	switch CardType(strings.ToLower(strings.TrimSpace(s))) {
	case CardIssue:
		return CardIssue, true
	case CardEpic:
		return CardEpic, true
	case CardRock:
		return CardRock, true
	}
	return CardType(s), false
}

const (
	WaitDependency          = "dependency"
	WaitTechnicalBlocker    = "technical_blocker"
	WaitRequirementsUnclear = "requirements_unclear"
	WaitExternalReview      = "external_review"
	WaitResourceUnavailable = "resource_unavailable"
)

// WaitReasons is the enumerated set accepted for BLOCKED and WAITING_FOR_DEVELOPER.
var WaitReasons = []string{
	WaitDependency, WaitTechnicalBlocker, WaitRequirementsUnclear, WaitExternalReview, WaitResourceUnavailable,
}

type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Card struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Type         CardType `json:"type" enum:"issue,epic,rock"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary,omitempty"`
	Status       Status   `json:"status"`
	AssignedSeat *string  `json:"assigned_seat,omitempty"`
	WaitReason   *string  `json:"wait_reason,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	Version      int64    `json:"version"`
	DependsOn    []string `json:"depends_on,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

// ToSummary projects the card into the shape handed to runners and prompts.
func (c Card) ToSummary() CardSummary {
	return CardSummary{
		ID:           c.ID,
		ProjectID:    c.ProjectID,
		Type:         c.Type,
		Title:        c.Title,
		Summary:      c.Summary,
		Status:       c.Status,
		DependsOn:    c.DependsOn,
		AssignedSeat: c.AssignedSeat,
		Priority:     c.Priority,
	}
}

type CardSummary struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Type         CardType `json:"type"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary,omitempty"`
	Status       Status   `json:"status"`
	DependsOn    []string `json:"depends_on,omitempty"`
	AssignedSeat *string  `json:"assigned_seat,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
}

type Lease struct {
	CardID     string  `json:"card_id"`
	OwnerID    string  `json:"owner_id"`
	Epoch      int64   `json:"epoch"`
	AcquiredAt string  `json:"acquired_at" format:"date-time"`
	ExpiresAt  string  `json:"expires_at" format:"date-time"`
	ReleasedAt *string `json:"released_at,omitempty" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	ProjectID      string `json:"project_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  string `json:"revoked_at,omitempty" format:"date-time"`
}

// RolePrompt is a per-project override of a role's system prompt.
type RolePrompt struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	Prompt    string `json:"prompt"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ViolationRecord persists the violations of one rejected turn attempt.
type ViolationRecord struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	CardID    string   `json:"card_id"`
	RunID     string   `json:"run_id"`
	TurnIndex int      `json:"turn_index"`
	Attempt   int      `json:"attempt"`
	Axis      string   `json:"axis"`
	Reason    string   `json:"reason"`
	Evidence  []string `json:"evidence,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type PendingApproval struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	RunID     string         `json:"run_id"`
	CardID    string         `json:"card_id"`
	Role      string         `json:"role"`
	TurnIndex int            `json:"turn_index"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Status    string         `json:"status" enum:"pending,approved,rejected"`
	DecidedBy *string        `json:"decided_by,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	DecidedAt *string        `json:"decided_at,omitempty" format:"date-time"`
}

const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)
