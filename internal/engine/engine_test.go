package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cardline/internal/config"
	"cardline/internal/db"
	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/migrate"
	"cardline/internal/statemachine"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) card(t *testing.T, title string, deps ...string) domain.Card {
	t.Helper()
	c, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Summary:   "a summary long enough to pass the gate",
		DependsOn: deps,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	return c
}

func TestCreateCardEnforcesSummaryLength(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ProjectID: "proj-1", Title: "short", Summary: "tiny", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected summary length error")
	}
	c := env.card(t, "ok")
	if c.Status != domain.StatusReady || c.Version != 1 {
		t.Fatalf("unexpected new card: %+v", c)
	}
}

func TestTransitionStateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	tr := engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusInProgress, ActorID: "tester"}
	first, err := env.Engine.TransitionState(env.Ctx, tr)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if first.Status != domain.StatusInProgress || first.Version != 2 {
		t.Fatalf("unexpected card after transition: %+v", first)
	}
	for i := 0; i < 2; i++ {
		again, err := env.Engine.TransitionState(env.Ctx, tr)
		if err != nil {
			t.Fatalf("repeat %d: %v", i, err)
		}
		if again.Version != 2 {
			t.Fatalf("repeat %d bumped version to %d", i, again.Version)
		}
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "card.transitioned", "card", c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one transition event, got %d", len(evts))
	}
}

func TestTransitionStateConflictAndTable(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	_, err := env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusCodeReview, To: domain.StatusDone})
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	_, err = env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusDone})
	if !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusBlocked})
	if !errors.Is(err, statemachine.ErrMissingWaitReason) {
		t.Fatalf("expected missing wait reason, got %v", err)
	}
	blocked, err := env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusBlocked, Reason: "Dependency"})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.WaitReason == nil || *blocked.WaitReason != domain.WaitDependency {
		t.Fatalf("expected wait reason recorded, got %+v", blocked.WaitReason)
	}
}

func TestAcquireLeaseSemantics(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	l1, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-a", 60)
	if err != nil || l1 == nil {
		t.Fatalf("acquire: %v %v", l1, err)
	}
	if l1.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", l1.Epoch)
	}
	same, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-a", 60)
	if err != nil || same == nil || same.Epoch != 1 || same.ExpiresAt != l1.ExpiresAt {
		t.Fatalf("same-owner reacquire should be unchanged: %+v %v", same, err)
	}
	foreign, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-b", 60)
	if err != nil || foreign != nil {
		t.Fatalf("foreign acquire should be refused: %+v %v", foreign, err)
	}
	env.advance(2 * time.Minute)
	taken, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-b", 60)
	if err != nil || taken == nil {
		t.Fatalf("takeover: %+v %v", taken, err)
	}
	if taken.Epoch != 2 {
		t.Fatalf("takeover should bump epoch, got %d", taken.Epoch)
	}
	if _, err := env.Engine.RenewLease(env.Ctx, c.ID, "runner-a", 1, 60); !errors.Is(err, engine.ErrLeaseLost) {
		t.Fatalf("stale renew should fail with lease lost, got %v", err)
	}
	if _, err := env.Engine.RenewLease(env.Ctx, c.ID, "runner-b", 2, 120); err != nil {
		t.Fatalf("renew: %v", err)
	}
}

func TestFetchReadyCardsRespectsDepsAndLeases(t *testing.T) {
	env := newTestEnv(t)
	dep := env.card(t, "dep")
	blocked := env.card(t, "needs dep", dep.ID)
	free := env.card(t, "free")

	ready, err := env.Engine.FetchReadyCards(env.Ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	ids := map[string]bool{}
	for _, c := range ready {
		ids[c.ID] = true
	}
	if !ids[dep.ID] || !ids[free.ID] || ids[blocked.ID] {
		t.Fatalf("unexpected ready set: %v", ids)
	}

	if _, err := env.Engine.AcquireLease(env.Ctx, free.ID, "runner-a", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}
	ready, err = env.Engine.FetchReadyCards(env.Ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	for _, c := range ready {
		if c.ID == free.ID {
			t.Fatalf("leased card should not be ready")
		}
	}
}

func TestReleaseOrFailIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	if _, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-a", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusInProgress}); err != nil {
		t.Fatalf("start: %v", err)
	}
	cause := errors.New("model exploded")
	for i := 0; i < 2; i++ {
		if err := env.Engine.ReleaseOrFail(env.Ctx, c.ID, "runner-a", domain.StatusBlocked, cause); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	got, err := env.Engine.GetCard(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusBlocked || got.WaitReason == nil || *got.WaitReason != domain.WaitTechnicalBlocker {
		t.Fatalf("expected blocked with technical_blocker, got %+v", got)
	}
	failed, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "card.failed", "card", c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failure event, got %d", len(failed))
	}
	lease, err := env.Engine.Repo.GetLease(env.Ctx, c.ID)
	if err != nil || lease.ReleasedAt == nil {
		t.Fatalf("lease should be released: %+v %v", lease, err)
	}
}

func TestReleaseOrFailRefusesStatusChangeWithoutLease(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	if _, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-a", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: c.ID, From: domain.StatusReady, To: domain.StatusInProgress}); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.advance(2 * time.Minute)
	taken, err := env.Engine.AcquireLease(env.Ctx, c.ID, "runner-b", 60)
	if err != nil || taken == nil {
		t.Fatalf("takeover: %+v %v", taken, err)
	}

	err = env.Engine.ReleaseOrFail(env.Ctx, c.ID, "runner-a", domain.StatusBlocked, errors.New("late failure"))
	if !errors.Is(err, engine.ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
	got, err := env.Engine.GetCard(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status changed by stale owner: %s", got.Status)
	}
	lease, err := env.Engine.Repo.GetLease(env.Ctx, c.ID)
	if err != nil || lease.OwnerID != "runner-b" || lease.ReleasedAt != nil {
		t.Fatalf("runner-b lease should be intact: %+v %v", lease, err)
	}
}

func TestFetchReadyCardsReclaimsInterruptedCards(t *testing.T) {
	env := newTestEnv(t)
	ready := env.card(t, "ready")
	abandoned := env.card(t, "abandoned")
	manual := env.card(t, "manual")

	if _, err := env.Engine.AcquireLease(env.Ctx, abandoned.ID, "runner-a", 60); err != nil {
		t.Fatalf("lease: %v", err)
	}
	for _, id := range []string{abandoned.ID, manual.ID} {
		if _, err := env.Engine.TransitionState(env.Ctx, engine.Transition{CardID: id, From: domain.StatusReady, To: domain.StatusInProgress}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	ids := func() []string {
		t.Helper()
		cards, err := env.Engine.FetchReadyCards(env.Ctx, "proj-1", 10)
		if err != nil {
			t.Fatalf("ready: %v", err)
		}
		var out []string
		for _, c := range cards {
			out = append(out, c.ID)
		}
		return out
	}
	if got := ids(); len(got) != 1 || got[0] != ready.ID {
		t.Fatalf("a held lease must hide the card: %v", got)
	}

	// Released mid-turn: the card stays IN_PROGRESS and comes back first.
	if err := env.Engine.ReleaseOrFail(env.Ctx, abandoned.ID, "runner-a", "", errors.New("interrupted")); err != nil {
		t.Fatalf("release: %v", err)
	}
	got := ids()
	if len(got) != 2 || got[0] != abandoned.ID || got[1] != ready.ID {
		t.Fatalf("expected interrupted card ahead of ready card, got %v", got)
	}
	for _, id := range got {
		if id == manual.ID {
			t.Fatalf("IN_PROGRESS card never leased by a runner should not be scheduled")
		}
	}
}

func TestVerifierPassedFollowsLatestVerdict(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	passed, err := env.Engine.VerifierPassed(env.Ctx, c.ID)
	if err != nil || passed {
		t.Fatalf("no verdict should read as not passed: %v %v", passed, err)
	}
	if err := env.Engine.RecordVerifierResult(env.Ctx, c.ID, "ci", false, "2 tests failed"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := env.Engine.RecordVerifierResult(env.Ctx, c.ID, "ci", true, "all green"); err != nil {
		t.Fatalf("record: %v", err)
	}
	passed, err = env.Engine.VerifierPassed(env.Ctx, c.ID)
	if err != nil || !passed {
		t.Fatalf("latest verdict passed: %v %v", passed, err)
	}
	if err := env.Engine.RecordVerifierResult(env.Ctx, c.ID, "ci", false, "regression"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if passed, _ = env.Engine.VerifierPassed(env.Ctx, c.ID); passed {
		t.Fatalf("a later failing verdict must win")
	}
	if err := env.Engine.RecordVerifierResult(env.Ctx, "missing", "ci", true, ""); err == nil {
		t.Fatalf("expected error for unknown card")
	}
}

func TestAppendEventSkipsDuplicateKeys(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	ok, err := env.Engine.AppendEvent(env.Ctx, c.ID, "card.comment", "tester", map[string]any{"body": "hi"}, "k-1")
	if err != nil || !ok {
		t.Fatalf("first append: %v %v", ok, err)
	}
	ok, err = env.Engine.AppendEvent(env.Ctx, c.ID, "card.comment", "tester", map[string]any{"body": "hi again"}, "k-1")
	if err != nil || ok {
		t.Fatalf("duplicate append should be skipped: %v %v", ok, err)
	}
	ok, err = env.Engine.AppendEvent(env.Ctx, c.ID, "card.comment", "tester", nil, "")
	if err != nil || !ok {
		t.Fatalf("unkeyed append: %v %v", ok, err)
	}
}

func TestApprovalsAndRBAC(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "deploy me")
	store := env.Engine.TurnStore("proj-1", "")
	pending, err := store.RecordPending(env.Ctx, domain.PendingApproval{RunID: "run-1", CardID: c.ID, Role: "coder", Tool: "deploy", Args: map[string]any{"env": "prod"}})
	if err != nil {
		t.Fatalf("record pending: %v", err)
	}
	list, err := env.Engine.ListApprovals(env.Ctx, "proj-1", "pending")
	if err != nil || len(list) != 1 {
		t.Fatalf("list pending: %v %v", list, err)
	}
	decided, err := env.Engine.DecideApproval(env.Ctx, pending.ID, true, "tester")
	if err != nil || decided.Status != domain.ApprovalApproved {
		t.Fatalf("approve: %+v %v", decided, err)
	}
	if _, err := env.Engine.DecideApproval(env.Ctx, pending.ID, false, "tester"); err == nil {
		t.Fatalf("second decision should fail")
	}

	me, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if len(me.Roles) != 1 || me.Roles[0] != "owner" {
		t.Fatalf("expected owner role, got %v", me.Roles)
	}
	if err := env.Engine.RequirePermission(env.Ctx, "proj-1", "stranger", "card.write"); err == nil {
		t.Fatalf("stranger should be forbidden")
	}
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "tester", "stranger", "viewer"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := env.Engine.RequirePermission(env.Ctx, "proj-1", "stranger", "card.read"); err != nil {
		t.Fatalf("viewer should read: %v", err)
	}
}

func TestTurnStoreArtifactsDeduplicate(t *testing.T) {
	env := newTestEnv(t)
	c := env.card(t, "work")
	store := env.Engine.TurnStore("proj-1", "runner-a")
	a := domain.Artifact{Kind: domain.ArtifactAudit, RunID: "run-1", IssueID: c.ID, TurnIndex: 0, Role: "coder", Payload: map[string]any{"ok": true}}
	for i := 0; i < 2; i++ {
		if err := store.Emit(env.Ctx, a); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "turn.audit", "card", c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one audit event, got %d", len(evts))
	}
	cp := domain.Checkpoint{RunID: "run-1", IssueID: c.ID, TurnIndex: 0, Role: "coder", PromptHash: "abc", Model: "m", CapturedAt: "2024-01-01T00:00:00Z",
		StateDelta: domain.StateDelta{From: domain.StatusInProgress, To: domain.StatusCodeReview}}
	if err := store.SaveCheckpoint(env.Ctx, cp); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got, err := env.Engine.Repo.GetCheckpoint(env.Ctx, "run-1", c.ID, 0)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.StateDelta.To != domain.StatusCodeReview || got.PromptHash != "abc" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
}
