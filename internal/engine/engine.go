package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cardline/internal/config"
	"cardline/internal/domain"
	"cardline/internal/engine/auth"
	"cardline/internal/events"
	"cardline/internal/repo"
	"cardline/internal/statemachine"
)

var (
	ErrStateConflict = errors.New("card state conflict")
	ErrLeaseHeld     = errors.New("lease already held")
	ErrLeaseLost     = errors.New("lease lost")
)

// Engine is the SQLite-backed card store: cards, leases, transitions and the event log.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject initializes a new project with migrations already run. The initializing
// actor becomes the project owner.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	p := domain.Project{
		ID:          projectID,
		OrgID:       "default-org",
		Kind:        "card-board",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.EnsureOrg(ctx, tx, p.OrgID, "Default Org", now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, p.ID, cfg, actorID, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	ID        string
	ProjectID string
	Type      string
	Title     string
	Summary   string
	DependsOn []string
	Priority  *int
	Seat      string
	ActorID   string
}

func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if e.Config == nil {
		return domain.Card{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.Card{}, errors.New("project is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = string(domain.CardIssue)
	}
	ct, ok := domain.ParseCardType(opts.Type)
	if !ok {
		return domain.Card{}, fmt.Errorf("unknown card type %q", opts.Type)
	}
	if minLen := e.Config.Governance.MinSummaryLength; minLen > 0 && len(strings.TrimSpace(opts.Summary)) < minLen {
		return domain.Card{}, fmt.Errorf("summary must be at least %d characters", minLen)
	}
	id := opts.ID
	now := e.stamp()
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Card{
		ID:        id,
		ProjectID: opts.ProjectID,
		Type:      ct,
		Title:     strings.TrimSpace(opts.Title),
		Summary:   strings.TrimSpace(opts.Summary),
		Status:    domain.StatusReady,
		Priority:  opts.Priority,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Seat != "" {
		c.AssignedSeat = &opts.Seat
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
		return domain.Card{}, err
	}
	for _, dep := range opts.DependsOn {
		d, err := e.Repo.GetCardTx(ctx, tx, dep)
		if err != nil {
			return domain.Card{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if d.ProjectID != opts.ProjectID {
			return domain.Card{}, fmt.Errorf("dependency %s in different project", dep)
		}
	}
	if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
		return domain.Card{}, err
	}
	if err := e.Repo.AddDependencies(ctx, tx, c.ID, opts.DependsOn); err != nil {
		return domain.Card{}, err
	}
	if err := e.Events.Append(ctx, tx, "card.created", c.ProjectID, "card", c.ID, opts.ActorID, events.EventPayload{
		"title": c.Title, "type": c.Type, "status": c.Status, "depends_on": opts.DependsOn,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	c.DependsOn = opts.DependsOn
	return c, nil
}

func (e Engine) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return e.Repo.GetCard(ctx, id)
}

func (e Engine) ListCards(ctx context.Context, f repo.CardFilters) ([]domain.Card, error) {
	return e.Repo.ListCards(ctx, f)
}

// FetchReadyCards returns schedulable cards with dependencies finished and no active lease:
// READY cards, plus IN_PROGRESS cards whose runner lease was released or expired mid-turn.
func (e Engine) FetchReadyCards(ctx context.Context, projectID string, limit int) ([]domain.CardSummary, error) {
	cards, err := e.Repo.ReadyCards(ctx, projectID, limit, e.stamp())
	if err != nil {
		return nil, err
	}
	res := make([]domain.CardSummary, 0, len(cards))
	for _, c := range cards {
		res = append(res, c.ToSummary())
	}
	return res, nil
}

// Transition is a requested status change observed from From.
type Transition struct {
	CardID  string
	From    domain.Status
	To      domain.Status
	Reason  string
	ActorID string
}

// TransitionState applies a table-checked status change. A card already at To is left
// untouched, so retries are no-ops; a card at neither From nor To is a conflict.
func (e Engine) TransitionState(ctx context.Context, tr Transition) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	c, changed, err := e.transitionTx(ctx, tx, tr)
	if err != nil {
		return c, err
	}
	if !changed {
		return c, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, tr Transition) (domain.Card, bool, error) {
	c, err := e.Repo.GetCardTx(ctx, tx, tr.CardID)
	if err != nil {
		return c, false, err
	}
	if c.Status == tr.To {
		return c, false, nil
	}
	if c.Status != tr.From {
		return c, false, fmt.Errorf("%w: card %s is %s, expected %s", ErrStateConflict, c.ID, c.Status, tr.From)
	}
	if !statemachine.Allowed(c.Type, tr.From, tr.To) {
		return c, false, &statemachine.TransitionError{Kind: statemachine.ErrInvalidTransition, CardType: c.Type, From: tr.From, To: tr.To}
	}
	reason := strings.ToLower(strings.TrimSpace(tr.Reason))
	if statemachine.RequiresWaitReason(tr.To) {
		if reason == "" {
			return c, false, &statemachine.TransitionError{Kind: statemachine.ErrMissingWaitReason, CardType: c.Type, From: tr.From, To: tr.To}
		}
		if !statemachine.ValidWaitReason(reason) {
			return c, false, fmt.Errorf("unknown wait reason %q", tr.Reason)
		}
	}
	now := e.stamp()
	expectVersion := c.Version
	next := c
	next.Status = tr.To
	next.UpdatedAt = now
	next.WaitReason = nil
	if statemachine.RequiresWaitReason(tr.To) {
		next.WaitReason = &reason
	}
	next.CompletedAt = nil
	if tr.To == domain.StatusDone {
		next.CompletedAt = &now
	}
	ok, err := e.Repo.CompareAndSwapStatus(ctx, tx, next, tr.From, expectVersion)
	if err != nil {
		return c, false, err
	}
	if !ok {
		return c, false, fmt.Errorf("%w: card %s changed concurrently", ErrStateConflict, c.ID)
	}
	next.Version = expectVersion + 1
	payload := events.EventPayload{"from": tr.From, "to": tr.To, "version": next.Version}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.Events.Append(ctx, tx, "card.transitioned", c.ProjectID, "card", c.ID, tr.ActorID, payload); err != nil {
		return c, false, err
	}
	return next, true, nil
}

// AcquireLease claims a card for ownerID. It returns the existing lease when the same
// owner already holds it and nil when someone else does. A takeover bumps the epoch.
func (e Engine) AcquireLease(ctx context.Context, cardID, ownerID string, leaseSeconds int) (*domain.Lease, error) {
	if ownerID == "" {
		return nil, errors.New("owner is required")
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("lease seconds must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	var epoch int64
	existing, err := e.Repo.GetLeaseTx(ctx, tx, cardID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if leaseActive(existing, now) {
			if existing.OwnerID == ownerID {
				return &existing, nil
			}
			return nil, nil
		}
		epoch = existing.Epoch
	}
	lease := domain.Lease{
		CardID:     cardID,
		OwnerID:    ownerID,
		Epoch:      epoch + 1,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339),
	}
	if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "lease.acquired", c.ProjectID, "lease", cardID, ownerID, events.EventPayload{
		"epoch": lease.Epoch, "expires_at": lease.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &lease, nil
}

// RenewLease extends an active lease held by ownerID at the given epoch.
func (e Engine) RenewLease(ctx context.Context, cardID, ownerID string, epoch int64, leaseSeconds int) (domain.Lease, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC()
	lease, err := e.Repo.GetLeaseTx(ctx, tx, cardID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, ErrLeaseLost
	}
	if err != nil {
		return domain.Lease{}, err
	}
	if !leaseActive(lease, now) || lease.OwnerID != ownerID || lease.Epoch != epoch {
		return domain.Lease{}, ErrLeaseLost
	}
	lease.ExpiresAt = now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339)
	if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// ReleaseOrFail ends ownerID's lease, records cause as card.failed when non-nil, and moves
// the card to finalState when set. Only the lease holder may change the status; anyone
// else gets ErrLeaseLost. Calling it again with the same arguments changes nothing.
func (e Engine) ReleaseOrFail(ctx context.Context, cardID, ownerID string, finalState domain.Status, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return err
	}
	now := e.stamp()
	var epoch int64
	held := false
	lease, err := e.Repo.GetLeaseTx(ctx, tx, cardID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return err
	default:
		epoch = lease.Epoch
		held = lease.OwnerID == ownerID
		if held && lease.ReleasedAt == nil {
			lease.ReleasedAt = &now
			if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "lease.released", c.ProjectID, "lease", cardID, ownerID, events.EventPayload{"epoch": epoch}); err != nil {
				return err
			}
		}
	}
	if cause != nil {
		key := fmt.Sprintf("card.failed:%s:%s:%d", cardID, ownerID, epoch)
		if _, err := e.Events.AppendKeyed(ctx, tx, key, "card.failed", c.ProjectID, "card", cardID, ownerID, events.EventPayload{
			"error": cause.Error(), "status": c.Status,
		}); err != nil {
			return err
		}
	}
	if finalState != "" && finalState != c.Status {
		if !held {
			return ErrLeaseLost
		}
		reason := ""
		if statemachine.RequiresWaitReason(finalState) {
			reason = domain.WaitTechnicalBlocker
		}
		if _, _, err := e.transitionTx(ctx, tx, Transition{CardID: cardID, From: c.Status, To: finalState, Reason: reason, ActorID: ownerID}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendEvent records a card event. Events with an idempotency key already seen are
// skipped and reported as not appended.
func (e Engine) AppendEvent(ctx context.Context, cardID, evtType, actorID string, payload map[string]any, idempotencyKey string) (bool, error) {
	if strings.TrimSpace(evtType) == "" {
		return false, errors.New("event type is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return false, err
	}
	appended, err := e.Events.AppendKeyed(ctx, tx, idempotencyKey, evtType, c.ProjectID, "card", cardID, actorID, payload)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return appended, nil
}

// AssignSeat sets or clears the seat working a card.
func (e Engine) AssignSeat(ctx context.Context, cardID, seat, actorID string) (domain.Card, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return c, err
	}
	var seatPtr *string
	if seat != "" {
		seatPtr = &seat
	}
	if err := e.Repo.AssignSeat(ctx, tx, cardID, seatPtr, e.stamp()); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "card.assigned", c.ProjectID, "card", cardID, actorID, events.EventPayload{"seat": seat}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.AssignedSeat = seatPtr
	return c, nil
}

func leaseActive(l domain.Lease, now time.Time) bool {
	if l.ReleasedAt != nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, l.ExpiresAt)
	if err != nil {
		return false
	}
	return now.Before(exp)
}
