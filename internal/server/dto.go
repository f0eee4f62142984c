package server

import (
	"encoding/json"

	"cardline/internal/domain"
)

// Request payloads

type CreateCardRequest struct {
	ID        *string  `json:"id,omitempty"`
	Type      string   `json:"type,omitempty" enum:"issue,epic,rock"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	DependsOn []string `json:"depends_on,omitempty"`
	Priority  *int     `json:"priority,omitempty"`
	Seat      *string  `json:"seat,omitempty"`
}

type LeaseRequest struct {
	LeaseSeconds int `json:"lease_seconds,omitempty" minimum:"1"`
}

type RenewLeaseRequest struct {
	Epoch        int64 `json:"epoch" minimum:"1"`
	LeaseSeconds int   `json:"lease_seconds,omitempty" minimum:"1"`
}

type ReleaseLeaseRequest struct {
	FinalStatus string `json:"final_status,omitempty"`
	Error       string `json:"error,omitempty"`
}

type TransitionRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty" enum:"dependency,technical_blocker,requirements_unclear,external_review,resource_unavailable"`
}

type DecideApprovalRequest struct {
	Approve bool `json:"approve"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	ProjectID   string   `json:"project_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type LeaseResponse struct {
	Acquired bool          `json:"acquired"`
	Lease    *domain.Lease `json:"lease,omitempty"`
}

type paginatedCards struct {
	Items      []domain.Card `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
