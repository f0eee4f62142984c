package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cardline/internal/domain"
	"cardline/internal/events"
	"cardline/internal/repo"
)

// TurnStore persists what a turn leaves behind: checkpoints, artifacts, violations and
// approval requests. ProjectID scopes the rows it writes.
type TurnStore struct {
	Engine    Engine
	ProjectID string
	ActorID   string
}

func (e Engine) TurnStore(projectID, actorID string) TurnStore {
	return TurnStore{Engine: e, ProjectID: projectID, ActorID: actorID}
}

func (s TurnStore) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	return s.Engine.Repo.SaveCheckpoint(ctx, s.ProjectID, cp)
}

// Emit writes an artifact as a turn.<kind> event. Re-emitting the same artifact for the
// same run, card, turn and failure is a no-op.
func (s TurnStore) Emit(ctx context.Context, a domain.Artifact) error {
	if a.Kind == "" {
		return errors.New("artifact kind required")
	}
	key := domain.HashJSON([]any{a.RunID, a.IssueID, a.TurnIndex, a.Kind, a.FailureType})
	payload := events.EventPayload{
		"run_id":     a.RunID,
		"turn_index": a.TurnIndex,
		"role":       a.Role,
		"payload":    a.Payload,
	}
	if a.FailureType != "" {
		payload["failure_type"] = a.FailureType
	}
	projectID := a.ProjectID
	if projectID == "" {
		projectID = s.ProjectID
	}
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := s.Engine.Events.AppendKeyed(ctx, tx, key, "turn."+a.Kind, projectID, "card", a.IssueID, s.actor(a.Role), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordViolations stores the violations of one rejected attempt.
func (s TurnStore) RecordViolations(ctx context.Context, runID, cardID string, turnIndex, attempt int, violations []domain.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	now := s.Engine.stamp()
	records := make([]domain.ViolationRecord, 0, len(violations))
	for _, v := range violations {
		records = append(records, domain.ViolationRecord{
			ID:        uuid.NewString(),
			ProjectID: s.ProjectID,
			CardID:    cardID,
			RunID:     runID,
			TurnIndex: turnIndex,
			Attempt:   attempt,
			Axis:      v.Axis,
			Reason:    v.Reason,
			Evidence:  v.Evidence,
			CreatedAt: now,
		})
	}
	return s.Engine.Repo.InsertViolations(ctx, records)
}

// RecordPending durably stores an approval request for a blocked tool call.
func (s TurnStore) RecordPending(ctx context.Context, a domain.PendingApproval) (domain.PendingApproval, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ProjectID == "" {
		a.ProjectID = s.ProjectID
	}
	a.Status = domain.ApprovalPending
	a.CreatedAt = s.Engine.stamp()
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := s.Engine.Repo.InsertApproval(ctx, tx, a); err != nil {
		return a, err
	}
	if err := s.Engine.Events.Append(ctx, tx, "approval.requested", a.ProjectID, "approval", a.ID, s.actor(a.Role), events.EventPayload{
		"card_id": a.CardID, "tool": a.Tool, "run_id": a.RunID, "turn_index": a.TurnIndex,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (s TurnStore) actor(role string) string {
	if s.ActorID != "" {
		return s.ActorID
	}
	if role != "" {
		return "role:" + role
	}
	return "cardline"
}

// DecideApproval approves or rejects a pending approval. Deciding twice fails.
func (e Engine) DecideApproval(ctx context.Context, id string, approve bool, actorID string) (domain.PendingApproval, error) {
	status := domain.ApprovalRejected
	if approve {
		status = domain.ApprovalApproved
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingApproval{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return a, err
	}
	now := e.stamp()
	ok, err := e.Repo.DecideApproval(ctx, tx, id, status, actorID, now)
	if err != nil {
		return a, err
	}
	if !ok {
		return a, fmt.Errorf("approval %s already %s", id, a.Status)
	}
	if err := e.Events.Append(ctx, tx, "approval."+status, a.ProjectID, "approval", id, actorID, events.EventPayload{
		"card_id": a.CardID, "tool": a.Tool,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = status
	a.DecidedBy = &actorID
	a.DecidedAt = &now
	return a, nil
}

// ListApprovals lists approvals by status; an empty status lists all.
func (e Engine) ListApprovals(ctx context.Context, projectID, status string) ([]domain.PendingApproval, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	return e.Repo.ListApprovals(ctx, repo.ApprovalFilters{ProjectID: projectID, Status: status})
}

// RolePrompt returns the stored prompt override for a role, or the configured mission.
func (e Engine) RolePrompt(ctx context.Context, projectID, role string) (string, error) {
	rp, err := e.Repo.GetRolePrompt(ctx, projectID, role)
	if err == nil {
		return rp.Prompt, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if e.Config != nil {
		if r, ok := e.Config.Role(role); ok {
			return r.Mission, nil
		}
	}
	return "", nil
}
