package toolrt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cardline/internal/domain"
	"cardline/internal/engine"
)

// Cards exposes card operations to the model. StatusTool names the status update tool.
type Cards struct {
	Engine     engine.Engine
	StatusTool string
}

// Register installs the status tool plus get_issue, create_issue and add_comment.
func (c Cards) Register(r *Registry) {
	status := c.StatusTool
	if status == "" {
		status = "update_issue_status"
	}
	r.Register(status, c.UpdateStatus)
	r.Register("get_issue", c.GetIssue)
	r.Register("create_issue", c.CreateIssue)
	r.Register("add_comment", c.AddComment)
}

func issueID(args map[string]any, tc domain.TurnContext) string {
	if id := stringArg(args, "issue_id"); id != "" {
		return id
	}
	return tc.IssueID
}

func actor(tc domain.TurnContext) string {
	if tc.Role == "" {
		return "cardline"
	}
	return "role:" + tc.Role
}

// UpdateStatus moves the card from the status captured at turn start to the requested one.
func (c Cards) UpdateStatus(ctx context.Context, args map[string]any, tc domain.TurnContext) (map[string]any, error) {
	id := issueID(args, tc)
	if id == "" {
		return nil, errors.New("issue_id is required")
	}
	to, ok := domain.ParseStatus(stringArg(args, "status"))
	if !ok {
		return nil, fmt.Errorf("unknown status %q", stringArg(args, "status"))
	}
	from := tc.CurrentStatus
	if from == "" || id != tc.IssueID {
		card, err := c.Engine.GetCard(ctx, id)
		if err != nil {
			return nil, err
		}
		from = card.Status
	}
	reason := stringArg(args, "wait_reason")
	if reason == "" {
		reason = stringArg(args, "reason")
	}
	card, err := c.Engine.TransitionState(ctx, engine.Transition{
		CardID:  id,
		From:    from,
		To:      to,
		Reason:  strings.ToLower(reason),
		ActorID: actor(tc),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_id": card.ID, "from": string(from), "status": string(card.Status), "version": card.Version}, nil
}

func (c Cards) GetIssue(ctx context.Context, args map[string]any, tc domain.TurnContext) (map[string]any, error) {
	id := issueID(args, tc)
	if id == "" {
		return nil, errors.New("issue_id is required")
	}
	card, err := c.Engine.GetCard(ctx, id)
	if err != nil {
		return nil, err
	}
	deps := make([]any, 0, len(card.DependsOn))
	for _, d := range card.DependsOn {
		deps = append(deps, d)
	}
	out := map[string]any{
		"issue_id":   card.ID,
		"type":       string(card.Type),
		"title":      card.Title,
		"summary":    card.Summary,
		"status":     string(card.Status),
		"depends_on": deps,
	}
	if card.WaitReason != nil {
		out["wait_reason"] = *card.WaitReason
	}
	return out, nil
}

func (c Cards) CreateIssue(ctx context.Context, args map[string]any, tc domain.TurnContext) (map[string]any, error) {
	var deps []string
	if raw, ok := args["depends_on"].([]any); ok {
		for _, d := range raw {
			if s, ok := d.(string); ok && strings.TrimSpace(s) != "" {
				deps = append(deps, strings.TrimSpace(s))
			}
		}
	}
	opts := engine.CardCreateOptions{
		ProjectID: tc.ProjectID,
		Type:      stringArg(args, "type"),
		Title:     stringArg(args, "title"),
		Summary:   stringArg(args, "summary"),
		DependsOn: deps,
		ActorID:   actor(tc),
	}
	if p, ok := args["priority"].(float64); ok {
		prio := int(p)
		opts.Priority = &prio
	}
	card, err := c.Engine.CreateCard(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_id": card.ID, "status": string(card.Status)}, nil
}

// AddComment appends a card.comment event, keyed so a replayed call adds nothing.
func (c Cards) AddComment(ctx context.Context, args map[string]any, tc domain.TurnContext) (map[string]any, error) {
	id := issueID(args, tc)
	body := stringArg(args, "body")
	if body == "" {
		body = stringArg(args, "comment")
	}
	if id == "" || body == "" {
		return nil, errors.New("issue_id and body are required")
	}
	key := "comment:" + domain.HashJSON([]any{tc.RunID, id, tc.TurnIndex, body})
	appended, err := c.Engine.AppendEvent(ctx, id, "card.comment", actor(tc), map[string]any{"body": body, "role": tc.Role}, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_id": id, "appended": appended}, nil
}
