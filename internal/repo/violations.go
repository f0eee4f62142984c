package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"cardline/internal/domain"
)

const violationColumns = `id, COALESCE(project_id,''), card_id, run_id, turn_index, attempt, axis, reason, evidence_json, created_at`

func (r Repo) InsertViolationsTx(ctx context.Context, tx *sql.Tx, records []domain.ViolationRecord) error {
	for _, v := range records {
		evidence, err := json.Marshal(v.Evidence)
		if err != nil {
			return err
		}
		_, err = r.q(tx).ExecContext(ctx, `INSERT INTO violations(id, project_id, card_id, run_id, turn_index, attempt, axis, reason, evidence_json, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			v.ID, nullable(v.ProjectID), v.CardID, v.RunID, v.TurnIndex, v.Attempt, v.Axis, v.Reason, string(evidence), v.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertViolations(ctx context.Context, records []domain.ViolationRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertViolationsTx(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListViolationsByCard(ctx context.Context, cardID string) ([]domain.ViolationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+violationColumns+`
FROM violations WHERE card_id=? ORDER BY created_at ASC, turn_index ASC, attempt ASC, id ASC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ViolationRecord
	for rows.Next() {
		var v domain.ViolationRecord
		var evidenceJSON sql.NullString
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.CardID, &v.RunID, &v.TurnIndex, &v.Attempt, &v.Axis, &v.Reason, &evidenceJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		if evidenceJSON.Valid && evidenceJSON.String != "" {
			_ = json.Unmarshal([]byte(evidenceJSON.String), &v.Evidence)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// CountViolationsByAxis aggregates recorded violations for a project.
func (r Repo) CountViolationsByAxis(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT axis, count(*) FROM violations WHERE project_id=? GROUP BY axis`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var axis string
		var n int
		if err := rows.Scan(&axis, &n); err != nil {
			return nil, err
		}
		res[axis] = n
	}
	return res, rows.Err()
}
