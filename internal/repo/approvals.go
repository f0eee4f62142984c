package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"cardline/internal/domain"
)

const approvalColumns = `id, COALESCE(project_id,''), run_id, card_id, role, turn_index, tool, args_json, status, decided_by, created_at, decided_at`

func scanApproval(row rowScanner) (domain.PendingApproval, error) {
	var a domain.PendingApproval
	var args string
	var decidedBy, decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.ProjectID, &a.RunID, &a.CardID, &a.Role, &a.TurnIndex, &a.Tool, &args, &a.Status, &decidedBy, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if args != "" {
		_ = json.Unmarshal([]byte(args), &a.Args)
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.PendingApproval) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO pending_approvals(id, project_id, run_id, card_id, role, turn_index, tool, args_json, status, decided_by, created_at, decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.ProjectID), a.RunID, a.CardID, a.Role, a.TurnIndex, a.Tool, string(args), a.Status,
		nullableStringPtr(a.DecidedBy), a.CreatedAt, nullableStringPtr(a.DecidedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.PendingApproval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM pending_approvals WHERE id=?`, id))
}

// DecideApproval moves a pending approval to approved or rejected. Already decided
// approvals are left alone and reported as not updated.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pending_approvals SET status=?, decided_by=?, decided_at=? WHERE id=? AND status='pending'`,
		status, decidedBy, decidedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type ApprovalFilters struct {
	ProjectID string
	CardID    string
	Status    string
	Limit     int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.PendingApproval, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + approvalColumns + ` FROM pending_approvals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
