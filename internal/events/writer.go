package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	_, err := w.AppendKeyed(ctx, tx, "", evtType, projectID, entityKind, entityID, actorID, payload)
	return err
}

// AppendKeyed inserts an event unless one with the same idempotency key exists.
// It reports whether a row was written. An empty key never deduplicates.
func (w Writer) AppendKeyed(ctx context.Context, tx *sql.Tx, key, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json,idempotency_key) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data), nullable(key))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
