package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cardline/internal/config"
	"cardline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.OrgID, &p.Kind, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

const projectColumns = `id,org_id,kind,status,description,created_at`

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return r.UpsertProjectConfigTx(ctx, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- cards ---

const cardColumns = `id,project_id,type,title,summary,status,assigned_seat,wait_reason,priority,version,created_at,updated_at,completed_at`

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	var summary, seat, waitReason, completedAt sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&c.ID, &c.ProjectID, &c.Type, &c.Title, &summary, &c.Status, &seat, &waitReason, &priority, &c.Version, &c.CreatedAt, &c.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if summary.Valid {
		c.Summary = summary.String
	}
	if seat.Valid {
		c.AssignedSeat = &seat.String
	}
	if waitReason.Valid {
		c.WaitReason = &waitReason.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		c.Priority = &p
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	return c, nil
}

func (r Repo) InsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cards(`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, string(c.Type), c.Title, nullable(c.Summary), string(c.Status), nullableStringPtr(c.AssignedSeat),
		nullableStringPtr(c.WaitReason), nullableIntPtr(c.Priority), c.Version, c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.CompletedAt))
	return err
}

// CompareAndSwapStatus moves a card from (status, version) to a new status, bumping version.
// It returns false when another writer got there first.
func (r Repo) CompareAndSwapStatus(ctx context.Context, tx *sql.Tx, c domain.Card, expectStatus domain.Status, expectVersion int64) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cards SET status=?, wait_reason=?, version=version+1, updated_at=?, completed_at=?
WHERE id=? AND status=? AND version=?`,
		string(c.Status), nullableStringPtr(c.WaitReason), c.UpdatedAt, nullableStringPtr(c.CompletedAt),
		c.ID, string(expectStatus), expectVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) AssignSeat(ctx context.Context, tx *sql.Tx, cardID string, seat *string, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cards SET assigned_seat=?, updated_at=? WHERE id=?`, nullableStringPtr(seat), updatedAt, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return r.GetCardTx(ctx, nil, id)
}

func (r Repo) GetCardTx(ctx context.Context, tx *sql.Tx, id string) (domain.Card, error) {
	c, err := scanCard(r.q(tx).QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	deps, err := r.ListCardDependenciesTx(ctx, tx, c.ID)
	if err != nil {
		return c, err
	}
	c.DependsOn = deps
	return c, nil
}

type CardFilters struct {
	ProjectID       string
	Status          string
	Type            string
	AssignedSeat    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCards(ctx context.Context, f CardFilters) ([]domain.Card, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AssignedSeat != "" {
		clauses = append(clauses, "assigned_seat=?")
		args = append(args, f.AssignedSeat)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + cardColumns + ` FROM cards ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ReadyCards returns schedulable cards whose dependencies are all finished and that no one
// holds an active lease on. Besides READY cards this includes IN_PROGRESS cards a runner
// leased and then abandoned; those come first so interrupted turns resume promptly.
func (r Repo) ReadyCards(ctx context.Context, projectID string, limit int, now string) ([]domain.Card, error) {
	clauses := []string{`(c.status='READY' OR (c.status='IN_PROGRESS' AND EXISTS (SELECT 1 FROM leases l WHERE l.card_id=c.id)))`}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "c.project_id=?")
		args = append(args, projectID)
	}
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM card_deps d
		JOIN cards dep ON dep.id=d.depends_on_card_id
		WHERE d.card_id=c.id AND dep.status NOT IN ('DONE','ARCHIVED')
	)`, `NOT EXISTS (
		SELECT 1 FROM leases l
		WHERE l.card_id=c.id AND l.released_at IS NULL AND l.expires_at > ?
	)`)
	args = append(args, now)
	query := `SELECT c.id,c.project_id,c.type,c.title,c.summary,c.status,c.assigned_seat,c.wait_reason,c.priority,c.version,c.created_at,c.updated_at,c.completed_at
FROM cards c WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY CASE WHEN c.status='IN_PROGRESS' THEN 0 ELSE 1 END, CASE WHEN c.priority IS NULL THEN 1 ELSE 0 END, c.priority ASC, c.created_at ASC, c.id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		deps, err := r.ListCardDependenciesTx(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListCardDependenciesTx(ctx context.Context, tx *sql.Tx, cardID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT depends_on_card_id FROM card_deps WHERE card_id=? ORDER BY depends_on_card_id`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// UnresolvedDependenciesTx lists dependencies that are not DONE or ARCHIVED.
func (r Repo) UnresolvedDependenciesTx(ctx context.Context, tx *sql.Tx, cardID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.depends_on_card_id FROM card_deps d
JOIN cards dep ON dep.id=d.depends_on_card_id
WHERE d.card_id=? AND dep.status NOT IN ('DONE','ARCHIVED') ORDER BY d.depends_on_card_id`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, cardID string, deps []string) error {
	for _, d := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO card_deps(card_id, depends_on_card_id) VALUES (?,?)`, cardID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CountCardsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM cards WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- leases ---

const leaseColumns = `card_id,owner_id,epoch,acquired_at,expires_at,released_at`

func scanLease(row rowScanner) (domain.Lease, error) {
	var l domain.Lease
	var released sql.NullString
	err := row.Scan(&l.CardID, &l.OwnerID, &l.Epoch, &l.AcquiredAt, &l.ExpiresAt, &released)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if released.Valid {
		l.ReleasedAt = &released.String
	}
	return l, err
}

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO leases(`+leaseColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(card_id) DO UPDATE SET owner_id=excluded.owner_id, epoch=excluded.epoch, acquired_at=excluded.acquired_at,
expires_at=excluded.expires_at, released_at=excluded.released_at`,
		lease.CardID, lease.OwnerID, lease.Epoch, lease.AcquiredAt, lease.ExpiresAt, nullableStringPtr(lease.ReleasedAt))
	return err
}

func (r Repo) GetLease(ctx context.Context, cardID string) (domain.Lease, error) {
	return r.GetLeaseTx(ctx, nil, cardID)
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, cardID string) (domain.Lease, error) {
	return scanLease(r.q(tx).QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE card_id=?`, cardID))
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json,COALESCE(idempotency_key,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload, &e.IdempotencyKey); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
