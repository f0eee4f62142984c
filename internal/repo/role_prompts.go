package repo

import (
	"context"
	"database/sql"
	"time"

	"cardline/internal/domain"
)

const rolePromptColumns = `project_id, role, prompt, created_at, updated_at`

func scanRolePrompt(row rowScanner) (domain.RolePrompt, error) {
	var rp domain.RolePrompt
	err := row.Scan(&rp.ProjectID, &rp.Role, &rp.Prompt, &rp.CreatedAt, &rp.UpdatedAt)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	return rp, err
}

func (r Repo) UpsertRolePrompt(ctx context.Context, projectID, role, prompt string) (domain.RolePrompt, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RolePrompt{}, err
	}
	defer tx.Rollback()
	rp, err := r.UpsertRolePromptTx(ctx, tx, projectID, role, prompt)
	if err != nil {
		return domain.RolePrompt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RolePrompt{}, err
	}
	return rp, nil
}

func (r Repo) UpsertRolePromptTx(ctx context.Context, tx *sql.Tx, projectID, role, prompt string) (domain.RolePrompt, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO role_prompts(`+rolePromptColumns+`)
VALUES (?,?,?,?,?)
ON CONFLICT(project_id, role) DO UPDATE SET prompt=excluded.prompt, updated_at=excluded.updated_at`,
		projectID, role, prompt, now, now)
	if err != nil {
		return domain.RolePrompt{}, err
	}
	return r.GetRolePromptTx(ctx, tx, projectID, role)
}

func (r Repo) GetRolePrompt(ctx context.Context, projectID, role string) (domain.RolePrompt, error) {
	return r.GetRolePromptTx(ctx, nil, projectID, role)
}

func (r Repo) GetRolePromptTx(ctx context.Context, tx *sql.Tx, projectID, role string) (domain.RolePrompt, error) {
	return scanRolePrompt(r.q(tx).QueryRowContext(ctx, `SELECT `+rolePromptColumns+` FROM role_prompts WHERE project_id=? AND role=?`,
		projectID, role))
}

func (r Repo) ListRolePrompts(ctx context.Context, projectID string) ([]domain.RolePrompt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+rolePromptColumns+` FROM role_prompts WHERE project_id=? ORDER BY role ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RolePrompt
	for rows.Next() {
		rp, err := scanRolePrompt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRolePrompt(ctx context.Context, projectID, role string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM role_prompts WHERE project_id=? AND role=?`, projectID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
