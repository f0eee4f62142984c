package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cardline/internal/config"
	"cardline/internal/contract"
	"cardline/internal/db"
	"cardline/internal/dispatch"
	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/gate"
	"cardline/internal/migrate"
	"cardline/internal/model"
	"cardline/internal/repo"
	"cardline/internal/toolrt"
	"cardline/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type env struct {
	eng  engine.Engine
	cfg  *config.Config
	root string
	ctx  context.Context
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default("proj-1")
	cfg.Runner.Concurrency = 2
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	_, err = eng.InitProject(ctx, "proj-1", "test", "tester")
	require.NoError(t, err)
	return env{eng: eng, cfg: cfg, root: root, ctx: ctx}
}

func (e env) card(t *testing.T, id, typ string) domain.Card {
	t.Helper()
	c, err := e.eng.CreateCard(e.ctx, engine.CardCreateOptions{
		ID:        id,
		ProjectID: "proj-1",
		Type:      typ,
		Title:     "Card " + id,
		Summary:   "implement the thing described by " + id,
		ActorID:   "tester",
	})
	require.NoError(t, err)
	return c
}

func (e env) status(t *testing.T, id string) domain.Status {
	t.Helper()
	c, err := e.eng.GetCard(e.ctx, id)
	require.NoError(t, err)
	return c.Status
}

// executorFor wires the real turn executor against the engine, as the CLI does.
func (e env) executorFor(llm model.Client) turn.Executor {
	store := e.eng.TurnStore("proj-1", "runner")
	reg := toolrt.NewRegistry()
	toolrt.FS{Root: e.root, Locks: toolrt.NewLockManager()}.Register(reg)
	toolrt.Cards{Engine: e.eng, StatusTool: e.cfg.Governance.StatusTool}.Register(reg)
	return turn.Executor{
		Model: llm,
		Validator: contract.Validator{
			Policy: contract.PolicyFromConfig(e.cfg),
			Root:   e.root,
			FS:     contract.DirChecker{Root: e.root},
		},
		Dispatcher: dispatch.Dispatcher{
			Runtime:          reg,
			Gate:             gate.New(e.cfg, e.root),
			Replay:           repo.ReplayCache{Repo: e.eng.Repo},
			Approvals:        store,
			ApprovalRequired: e.cfg.Governance.ApprovalRequiredTools,
		},
		Checkpoints:  store,
		Artifacts:    store,
		Violations:   store,
		ModelTimeout: time.Second,
		GuardRoles:   e.cfg.Governance.GuardRoles,
	}
}

type fakeExecutor struct {
	mu      sync.Mutex
	seen    []turn.Request
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	result  func(req turn.Request) (turn.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req turn.Request) (turn.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.result == nil {
		return turn.Result{Success: true}, nil
	}
	return f.result(req)
}

func failing(f *turn.Failure) func(turn.Request) (turn.Result, error) {
	return func(turn.Request) (turn.Result, error) {
		return turn.Result{Failure: f}, f
	}
}

func TestRunOnceSuccessKeepsToolStatus(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	llm := model.NewScripted(`{"tool_calls":[{"tool":"write_file","args":{"path":"src/app.py","content":"print(1)\n"}},{"tool":"update_issue_status","args":{"status":"code_review"}}]}`)
	r := New(e.eng, e.cfg, "proj-1", e.executorFor(llm), nil)

	reports, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.True(t, rep.Success)
	assert.Equal(t, "coder", rep.Role)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, domain.StatusCodeReview, rep.FinalStatus)
	assert.Equal(t, domain.StatusCodeReview, e.status(t, "C-1"))

	cps, err := e.eng.Repo.ListCheckpoints(e.ctx, "C-1", 10)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, domain.StatusCodeReview, cps[0].StateDelta.To)

	lease, err := e.eng.AcquireLease(e.ctx, "C-1", "someone-else", 60)
	require.NoError(t, err)
	assert.NotNil(t, lease, "lease must be released after the turn")
}

func TestRunOnceRetryableFailureRequeues(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	exec := &fakeExecutor{result: failing(&turn.Failure{Type: turn.FailureModelTimeout, Reason: "model call timed out", Retryable: true})}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	reports, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.Equal(t, turn.FailureModelTimeout, reports[0].Failure.Type)
	assert.Equal(t, domain.StatusReady, e.status(t, "C-1"))

	evts, err := e.eng.Repo.LatestEvents(e.ctx, 10, "proj-1", "card.failed", "card", "C-1")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestRunOnceTerminalFailureBlocks(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	exec := &fakeExecutor{result: failing(&turn.Failure{Type: turn.FailureContract, Reason: contract.ReasonMissingRequiredStatus})}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	_, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	c, err := e.eng.GetCard(e.ctx, "C-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, c.Status)
	require.NotNil(t, c.WaitReason)
	assert.Equal(t, domain.WaitTechnicalBlocker, *c.WaitReason)
}

func TestRunOnceRetryOnEpicFallsBackToBlocked(t *testing.T) {
	e := newEnv(t)
	e.card(t, "E-1", "epic")
	exec := &fakeExecutor{result: failing(&turn.Failure{Type: turn.FailureModelTimeout, Retryable: true})}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	reports, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, "architect", reports[0].Role)
	assert.Equal(t, domain.StatusBlocked, e.status(t, "E-1"))
}

func TestRunOnceSkipsForeignLease(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	e.card(t, "C-2", "issue")
	exec := &fakeExecutor{}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	// A card under a foreign lease is not ready.
	lease, err := e.eng.AcquireLease(e.ctx, "C-2", "other-runner", 300)
	require.NoError(t, err)
	require.NotNil(t, lease)

	reports, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "C-1", reports[0].CardID)
	assert.Len(t, exec.seen, 1)
	assert.Equal(t, domain.StatusReady, e.status(t, "C-2"))
}

func TestRunOnceRespectsConcurrency(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"C-1", "C-2", "C-3", "C-4", "C-5"} {
		e.card(t, id, "issue")
	}
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	reports, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 5)
	assert.Len(t, exec.seen, 5)
	assert.LessOrEqual(t, exec.maxSeen.Load(), int32(2))

	runIDs := map[string]bool{}
	for _, req := range exec.seen {
		assert.Equal(t, domain.StatusInProgress, req.Context.CurrentStatus)
		assert.Equal(t, r.SessionID, req.Context.SessionID)
		runIDs[req.Context.RunID] = true
	}
	assert.Len(t, runIDs, 5)
}

func TestRunOnceReportsInfrastructureErrors(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	r := New(e.eng, e.cfg, "proj-1", nil, nil)
	_, err := r.RunOnce(e.ctx)
	require.Error(t, err)
}

func TestInterruptedTurnResumesWithReplay(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	first := &fakeExecutor{result: func(turn.Request) (turn.Result, error) {
		cancel()
		return turn.Result{}, context.Canceled
	}}
	r1 := New(e.eng, e.cfg, "proj-1", first, nil)
	reports, err := r1.RunOnce(ctx)
	require.Error(t, err)
	require.Len(t, reports, 1)
	require.ErrorContains(t, reports[0].Err, "interrupted")
	assert.Equal(t, domain.StatusInProgress, e.status(t, "C-1"))

	lease, err := e.eng.Repo.GetLease(e.ctx, "C-1")
	require.NoError(t, err)
	assert.NotNil(t, lease.ReleasedAt, "interrupted turn must release its lease")

	ready, err := e.eng.FetchReadyCards(e.ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "C-1", ready[0].ID)

	second := &fakeExecutor{result: failing(&turn.Failure{Type: turn.FailureModelTimeout, Retryable: true})}
	r2 := New(e.eng, e.cfg, "proj-1", second, nil)
	reports, err = r2.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, second.seen, 1)

	before := first.seen[0].Context
	resumed := second.seen[0].Context
	assert.True(t, resumed.Resume)
	assert.Equal(t, before.SessionID, resumed.SessionID)
	assert.NotEqual(t, r2.SessionID, resumed.SessionID)
	assert.Equal(t, before.TurnIndex, resumed.TurnIndex)
	assert.Equal(t, domain.StatusInProgress, resumed.CurrentStatus)
	assert.Equal(t, domain.StatusReady, reports[0].FinalStatus)
	assert.Equal(t, domain.StatusReady, e.status(t, "C-1"))
}

func TestRunOnceReportsLostLease(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	exec := &fakeExecutor{}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)
	exec.result = func(turn.Request) (turn.Result, error) {
		// Another runner takes the card over while the turn is still running.
		require.NoError(t, e.eng.ReleaseOrFail(e.ctx, "C-1", r.Owner(), "", nil))
		lease, err := e.eng.AcquireLease(e.ctx, "C-1", "other-runner", 300)
		require.NoError(t, err)
		require.NotNil(t, lease)
		f := &turn.Failure{Type: turn.FailureContract, Reason: contract.ReasonMissingRequiredStatus}
		return turn.Result{Failure: f}, f
	}

	reports, err := r.RunOnce(e.ctx)
	require.ErrorIs(t, err, engine.ErrLeaseLost)
	require.Len(t, reports, 1)
	require.ErrorIs(t, reports[0].Err, engine.ErrLeaseLost)
	assert.ErrorContains(t, reports[0].Err, "release card")
	assert.Equal(t, domain.StatusInProgress, e.status(t, "C-1"))
}

func TestRunOncePassesVerifierVerdict(t *testing.T) {
	e := newEnv(t)
	e.card(t, "C-1", "issue")
	require.NoError(t, e.eng.RecordVerifierResult(e.ctx, "C-1", "ci", true, "green"))
	exec := &fakeExecutor{}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	_, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	require.Len(t, exec.seen, 1)
	assert.True(t, exec.seen[0].Context.VerifierPassed)
	assert.False(t, exec.seen[0].Context.Resume)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.cfg.Runner.PollIntervalSeconds = 1
	exec := &fakeExecutor{}
	r := New(e.eng, e.cfg, "proj-1", exec, nil)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestBuildContext(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Governance.EnforceSkillContracts = true
	card := domain.CardSummary{ID: "E-1", ProjectID: "proj-1", Type: domain.CardEpic, Status: domain.StatusInProgress, DependsOn: []string{"E-0"}}

	architect, ok := cfg.Role("architect")
	require.True(t, ok)
	tc := BuildContext(cfg, architect, card)
	assert.Equal(t, "E-1", tc.IssueID)
	assert.Equal(t, domain.StageGateAdvisory, tc.StageGateMode)
	assert.Equal(t, []domain.Status{domain.StatusInProgress}, tc.RequiredStatuses)
	require.NotNil(t, tc.ArchitectureDecision)
	assert.Equal(t, "agent_output/architecture_decision.json", tc.ArchitectureDecision.Path)
	assert.Equal(t, []string{"E-0"}, tc.Dependencies.DependsOn)
	assert.True(t, tc.EnforceSkillContracts)
	assert.Contains(t, tc.SkillBindings, "write_file")
	assert.Equal(t, 20, tc.SkillBindings["write_file"].Limits.MaxToolCalls)
	assert.Equal(t, architect.Tools, tc.Verification.DeclaredTools)

	coder, ok := cfg.Role("coder")
	require.True(t, ok)
	tc = BuildContext(cfg, coder, card)
	assert.Nil(t, tc.ArchitectureDecision)
	assert.Equal(t, []string{"write_file"}, tc.RequiredActionTools)
	assert.NotContains(t, tc.SkillBindings, "delete_file")
	for tool, b := range tc.SkillBindings {
		assert.True(t, b.Limits.Within(tc.RuntimeLimits), tool)
	}
}

func TestBuildContextCarriesConfiguredScope(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Turn.Verification = config.VerificationConfig{
		WorkspacePaths: []string{"src/app.py"},
		ContextItems:   []string{"ctx-1"},
		Budgets:        map[string]int{domain.BudgetPaths: 2},
	}
	cfg.Turn.ArchitectureDecision.ForcedRecommendation = "monolith"
	coderCfg := cfg.Roles["coder"]
	coderCfg.RequiredWritePaths = []string{"src/app.py"}
	coderCfg.RequiredReadPaths = []string{"docs/design.md"}
	cfg.Roles["coder"] = coderCfg
	card := domain.CardSummary{ID: "C-1", ProjectID: "proj-1", Type: domain.CardIssue, Status: domain.StatusInProgress}

	coder, ok := cfg.Role("coder")
	require.True(t, ok)
	tc := BuildContext(cfg, coder, card)
	assert.Equal(t, []string{"src/app.py"}, tc.RequiredWritePaths)
	assert.Equal(t, []string{"docs/design.md"}, tc.RequiredReadPaths)
	assert.Equal(t, []string{"src/app.py"}, tc.Verification.WorkspacePaths)
	assert.Equal(t, []string{"ctx-1"}, tc.Verification.ContextItems)
	assert.Equal(t, map[string]int{domain.BudgetPaths: 2}, tc.Verification.Budgets)
	assert.True(t, tc.Verification.HardeningEnabled())

	tc.Verification.Budgets[domain.BudgetPaths] = 9
	assert.Equal(t, 2, cfg.Turn.Verification.Budgets[domain.BudgetPaths], "context must not alias config")

	architect, ok := cfg.Role("architect")
	require.True(t, ok)
	tc = BuildContext(cfg, architect, card)
	require.NotNil(t, tc.ArchitectureDecision)
	assert.Equal(t, "monolith", tc.ArchitectureDecision.ForcedRecommendation)
}
