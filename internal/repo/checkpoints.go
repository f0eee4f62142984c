package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"cardline/internal/domain"
)

// SaveCheckpoint stores a turn checkpoint. A second save for the same
// (run, issue, turn) replaces the first.
func (r Repo) SaveCheckpoint(ctx context.Context, projectID string, cp domain.Checkpoint) error {
	calls, err := json.Marshal(cp.ToolCalls)
	if err != nil {
		return err
	}
	var meta any
	if len(cp.PromptMetadata) > 0 {
		b, err := json.Marshal(cp.PromptMetadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checkpoints(run_id, issue_id, turn_index, project_id, role, prompt_hash, model, tool_calls_json,
state_from, state_to, prompt_metadata_json, failure_type, captured_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id, issue_id, turn_index) DO UPDATE SET role=excluded.role, prompt_hash=excluded.prompt_hash, model=excluded.model,
tool_calls_json=excluded.tool_calls_json, state_from=excluded.state_from, state_to=excluded.state_to,
prompt_metadata_json=excluded.prompt_metadata_json, failure_type=excluded.failure_type, captured_at=excluded.captured_at`,
		cp.RunID, cp.IssueID, cp.TurnIndex, nullable(projectID), cp.Role, cp.PromptHash, cp.Model, string(calls),
		nullable(string(cp.StateDelta.From)), nullable(string(cp.StateDelta.To)), meta, nullable(cp.FailureType), cp.CapturedAt)
	return err
}

const checkpointColumns = `run_id, issue_id, turn_index, role, prompt_hash, model, tool_calls_json, state_from, state_to, prompt_metadata_json, failure_type, captured_at`

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var calls string
	var from, to, meta, failure sql.NullString
	err := row.Scan(&cp.RunID, &cp.IssueID, &cp.TurnIndex, &cp.Role, &cp.PromptHash, &cp.Model, &calls, &from, &to, &meta, &failure, &cp.CapturedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal([]byte(calls), &cp.ToolCalls); err != nil {
		return cp, err
	}
	cp.StateDelta.From = domain.Status(from.String)
	cp.StateDelta.To = domain.Status(to.String)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &cp.PromptMetadata)
	}
	cp.FailureType = failure.String
	return cp, nil
}

func (r Repo) GetCheckpoint(ctx context.Context, runID, issueID string, turnIndex int) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id=? AND issue_id=? AND turn_index=?`,
		runID, issueID, turnIndex))
}

func (r Repo) ListCheckpoints(ctx context.Context, issueID string, limit int) ([]domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE issue_id=? ORDER BY captured_at ASC, turn_index ASC`
	args := []any{issueID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

// NextTurnIndex returns one past the highest recorded turn for the card.
func (r Repo) NextTurnIndex(ctx context.Context, issueID string) (int, error) {
	var n sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(turn_index) FROM checkpoints WHERE issue_id=?`, issueID).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64) + 1, nil
}
