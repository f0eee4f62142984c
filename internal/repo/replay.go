package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cardline/internal/domain"
)

// ReplayCache persists successful tool results keyed by ReplayKey.
type ReplayCache struct {
	Repo Repo
}

func (c ReplayCache) Get(ctx context.Context, key domain.ReplayKey) (domain.ToolResult, bool, error) {
	var payload string
	err := c.Repo.DB.QueryRowContext(ctx, `SELECT result_json FROM replay_cache WHERE cache_key=?`, key.String()).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.ToolResult{}, false, nil
	}
	if err != nil {
		return domain.ToolResult{}, false, err
	}
	var res domain.ToolResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return domain.ToolResult{}, false, err
	}
	return res, true, nil
}

// Put stores a result. The first stored result for a key wins.
func (c ReplayCache) Put(ctx context.Context, key domain.ReplayKey, res domain.ToolResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = c.Repo.DB.ExecContext(ctx, `INSERT OR IGNORE INTO replay_cache(cache_key, session_id, issue_id, role, turn_index, call_hash, result_json, created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		key.String(), key.SessionID, key.IssueID, key.Role, key.TurnIndex, key.CallHash, string(payload), time.Now().UTC().Format(time.RFC3339))
	return err
}
