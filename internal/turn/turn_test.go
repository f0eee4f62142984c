package turn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cardline/internal/config"
	"cardline/internal/contract"
	"cardline/internal/dispatch"
	"cardline/internal/domain"
	"cardline/internal/gate"
	"cardline/internal/model"
	"cardline/internal/toolrt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type memStore struct {
	mu          sync.Mutex
	checkpoints []domain.Checkpoint
	artifacts   []domain.Artifact
	violations  map[int][]domain.Violation
}

func (s *memStore) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *memStore) Emit(_ context.Context, a domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
	return nil
}

func (s *memStore) RecordViolations(_ context.Context, _, _ string, _, attempt int, vs []domain.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.violations == nil {
		s.violations = map[int][]domain.Violation{}
	}
	s.violations[attempt] = append(s.violations[attempt], vs...)
	return nil
}

func (s *memStore) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a.Kind)
	}
	return out
}

type harness struct {
	root     string
	store    *memStore
	statuses []string
	exec     Executor
}

func newHarness(t *testing.T, llm model.Client) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default("proj")
	h := &harness{root: root, store: &memStore{}}

	reg := toolrt.NewRegistry()
	toolrt.FS{Root: root, Locks: toolrt.NewLockManager()}.Register(reg)
	reg.Register("update_issue_status", func(_ context.Context, args map[string]any, _ domain.TurnContext) (map[string]any, error) {
		st, _ := args["status"].(string)
		h.statuses = append(h.statuses, st)
		return map[string]any{"status": st}, nil
	})

	h.exec = Executor{
		Model: llm,
		Validator: contract.Validator{
			Policy: contract.PolicyFromConfig(cfg),
			Root:   root,
			FS:     contract.DirChecker{Root: root},
		},
		Dispatcher:   dispatch.Dispatcher{Runtime: reg, Gate: gate.New(cfg, root)},
		Checkpoints:  h.store,
		Artifacts:    h.store,
		Violations:   h.store,
		ModelTimeout: time.Second,
		ModelName:    "scripted",
		GuardRoles:   cfg.Governance.GuardRoles,
		Now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return h
}

func coderRequest(status domain.Status, required ...domain.Status) Request {
	return Request{
		Card: domain.CardSummary{ID: "C-1", ProjectID: "proj", Type: domain.CardIssue, Title: "Add app", Status: status},
		Role: domain.Role{Name: "coder", Tools: []string{"read_file", "write_file", "update_issue_status"}},
		Context: domain.TurnContext{
			RunID:               "run-1",
			SessionID:           "sess-1",
			TurnIndex:           1,
			RequiredActionTools: []string{"write_file"},
			RequiredStatuses:    required,
		},
	}
}

const (
	readOnly  = `{"tool_calls":[{"tool":"read_file","args":{"path":"README.md"}}]}`
	writeDone = `{"tool_calls":[{"tool":"write_file","args":{"path":"src/app.py","content":"print(1)\n"}},{"tool":"update_issue_status","args":{"status":"code_review"}}]}`
)

func TestRepromptRecoversWithSecondResponse(t *testing.T) {
	llm := model.NewScripted(readOnly, writeDone)
	h := newHarness(t, llm)

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview, domain.StatusBlocked))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, llm.Calls())
	assert.Equal(t, 2, res.ModelCalls)

	require.Len(t, res.Dispatched, 2)
	assert.Equal(t, "write_file", res.Dispatched[0].Tool)
	assert.Equal(t, "update_issue_status", res.Dispatched[1].Tool)
	assert.Equal(t, []string{"code_review"}, h.statuses)
	data, err := os.ReadFile(filepath.Join(h.root, "src", "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(data))

	second := llm.Request(1)
	require.Len(t, second, 4)
	assert.Equal(t, model.RoleAssistant, second[2].Role)
	assert.Equal(t, readOnly, second[2].Content)
	assert.True(t, strings.HasPrefix(second[3].Content, "Your previous response was rejected."))
	assert.Contains(t, second[3].Content, contract.ReasonObservationalOnly)

	require.Contains(t, h.store.violations, 1)
	assert.NotContains(t, h.store.violations, 2)
	assert.Contains(t, res.States, StateReprompted)
	assert.Equal(t, StateComplete, res.States[len(res.States)-1])

	require.Len(t, h.store.checkpoints, 1)
	cp := h.store.checkpoints[0]
	assert.Equal(t, domain.StateDelta{From: domain.StatusInProgress, To: domain.StatusCodeReview}, cp.StateDelta)
	assert.Equal(t, 2, cp.PromptMetadata["attempts"])
	assert.Empty(t, cp.FailureType)
	assert.Equal(t, []string{domain.ArtifactAudit, domain.ArtifactMemoryTrace}, h.store.kinds())
}

func TestCodeReviewerReadsImplementationOnRetry(t *testing.T) {
	llm := model.NewScripted(
		`{"tool_calls":[{"tool":"read_file","args":{"path":"/path/to/implementation/file"}},{"tool":"update_issue_status","args":{"status":"awaiting_guard_review"}}]}`,
		`{"tool_calls":[{"tool":"read_file","args":{"path":"agent_output/main.py"}},{"tool":"update_issue_status","args":{"status":"AWAITING_GUARD_REVIEW"}}]}`,
	)
	h := newHarness(t, llm)
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "agent_output"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "agent_output", "main.py"), []byte("print('hi')\n"), 0o644))

	req := Request{
		Card: domain.CardSummary{ID: "C-2", ProjectID: "proj", Type: domain.CardIssue, Title: "Review", Status: domain.StatusCodeReview},
		Role: domain.Role{Name: "code_reviewer", Tools: []string{"read_file", "update_issue_status"}},
		Context: domain.TurnContext{
			RunID:             "run-1",
			TurnIndex:         2,
			RequiredStatuses:  []domain.Status{domain.StatusAwaitingGuardReview, domain.StatusInProgress},
			RequiredReadPaths: []string{"agent_output/main.py"},
		},
	}
	res, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.Calls())
	require.Len(t, res.Dispatched, 2)
	assert.Nil(t, res.Dispatched[0].Error)
	assert.Equal(t, true, res.Dispatched[0].Result["ok"])
	assert.Equal(t, []string{"AWAITING_GUARD_REVIEW"}, h.statuses)

	reasons := map[string]bool{}
	for _, v := range h.store.violations[1] {
		reasons[v.Reason] = true
	}
	assert.True(t, reasons[contract.ReasonMissingReadPaths])
}

func TestTwoContractFailuresAreTerminal(t *testing.T) {
	llm := model.NewScripted(readOnly, readOnly)
	h := newHarness(t, llm)

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview, domain.StatusBlocked))
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, FailureContract, f.Type)
	assert.Equal(t, contract.ReasonObservationalOnly, f.Reason)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry())
	assert.Empty(t, res.Dispatched)
	assert.Empty(t, h.statuses)
	assert.Equal(t, 2, llm.Calls())

	assert.Contains(t, h.store.violations, 1)
	assert.Contains(t, h.store.violations, 2)
	require.Len(t, h.store.checkpoints, 1)
	assert.Equal(t, string(FailureContract), h.store.checkpoints[0].FailureType)
	assert.Empty(t, h.store.checkpoints[0].ToolCalls)
	require.Len(t, h.store.artifacts, 2)
	for _, a := range h.store.artifacts {
		assert.Equal(t, string(FailureContract), a.FailureType)
	}
	assert.Equal(t, StateFailed, res.States[len(res.States)-1])
}

func TestModelTimeoutIsRetryable(t *testing.T) {
	llm := model.NewScripted(writeDone)
	llm.Delay = 500 * time.Millisecond
	h := newHarness(t, llm)
	h.exec.ModelTimeout = 20 * time.Millisecond

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.Error(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureModelTimeout, res.Failure.Type)
	assert.True(t, res.ShouldRetry())
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, []string{domain.ArtifactAudit, domain.ArtifactMemoryTrace}, h.store.kinds())
	assert.Equal(t, string(FailureModelTimeout), h.store.checkpoints[0].FailureType)
}

func TestParentCancellationIsNotRetryable(t *testing.T) {
	llm := model.NewScripted(writeDone)
	llm.Delay = time.Second
	h := newHarness(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res, err := h.exec.Execute(ctx, coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.Error(t, err)
	assert.Equal(t, FailureCancelled, res.Failure.Type)
	assert.False(t, res.ShouldRetry())
}

func TestModelErrorFailsTurn(t *testing.T) {
	llm := model.NewScripted().Fail(errors.New("quota exceeded"))
	h := newHarness(t, llm)

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.Error(t, err)
	assert.Equal(t, FailureModelError, res.Failure.Type)
	assert.Contains(t, res.Failure.Reason, "quota exceeded")
	assert.False(t, res.ShouldRetry())
}

func TestMissingStatusIsSynthesized(t *testing.T) {
	llm := model.NewScripted(`{"tool_calls":[{"tool":"write_file","args":{"path":"src/app.py","content":"x"}}]}`)
	h := newHarness(t, llm)

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.NoError(t, err)
	assert.True(t, res.Synthesized)
	assert.Equal(t, 1, llm.Calls())
	require.Len(t, res.Dispatched, 2)
	assert.Equal(t, "update_issue_status", res.Dispatched[1].Tool)
	assert.Equal(t, []string{"CODE_REVIEW"}, h.statuses)
	assert.Equal(t, domain.StatusCodeReview, res.Checkpoint.StateDelta.To)
}

func TestSynthesisRules(t *testing.T) {
	act := []domain.ToolCall{{Tool: "read_file", Args: map[string]any{"path": "a"}}}
	cases := []struct {
		name   string
		calls  []domain.ToolCall
		tc     domain.TurnContext
		want   domain.Status
		synthd bool
	}{
		{name: "single status", calls: act, tc: domain.TurnContext{Role: "coder", RequiredStatuses: []domain.Status{domain.StatusCodeReview}}, want: domain.StatusCodeReview, synthd: true},
		{name: "single waiting status", calls: act, tc: domain.TurnContext{Role: "coder", RequiredStatuses: []domain.Status{domain.StatusBlocked}}},
		{name: "no calls", tc: domain.TurnContext{Role: "coder", RequiredStatuses: []domain.Status{domain.StatusCodeReview}}},
		{name: "two statuses", calls: act, tc: domain.TurnContext{Role: "coder", RequiredStatuses: []domain.Status{domain.StatusCodeReview, domain.StatusBlocked}}},
		{name: "guard verified", calls: act, tc: domain.TurnContext{Role: "integration_guard", VerifierPassed: true, RequiredStatuses: []domain.Status{domain.StatusDone, domain.StatusBlocked}}, want: domain.StatusDone, synthd: true},
		{name: "guard unverified", calls: act, tc: domain.TurnContext{Role: "integration_guard", RequiredStatuses: []domain.Status{domain.StatusDone, domain.StatusBlocked}}},
		{name: "status present", calls: append(act, domain.ToolCall{Tool: "update_issue_status", Args: map[string]any{"status": "IN_PROGRESS"}}), tc: domain.TurnContext{Role: "coder", RequiredStatuses: []domain.Status{domain.StatusCodeReview}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, ok := synthesizeStatus(tc.calls, "update_issue_status", tc.tc, []string{"integration_guard"})
			require.Equal(t, tc.synthd, ok)
			if !ok {
				assert.Len(t, out, len(tc.calls))
				return
			}
			require.Len(t, out, len(tc.calls)+1)
			assert.Equal(t, string(tc.want), out[len(out)-1].StringArg("status"))
			assert.Len(t, act, 1, "input slice must not grow")
		})
	}
}

func TestRejectedStatusCallIsStateViolation(t *testing.T) {
	llm := model.NewScripted(`{"tool_calls":[{"tool":"write_file","args":{"path":"src/app.py","content":"x"}},{"tool":"update_issue_status","args":{"status":"DONE"}}]}`)
	h := newHarness(t, llm)
	req := coderRequest(domain.StatusInProgress)

	res, err := h.exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, FailureState, res.Failure.Type)
	require.Len(t, res.Dispatched, 2)
	assert.Nil(t, res.Dispatched[0].Error, "earlier calls keep their effects")
	assert.NotNil(t, res.Dispatched[1].Error)
	assert.FileExists(t, filepath.Join(h.root, "src", "app.py"))
	assert.Empty(t, res.Checkpoint.StateDelta.To)
}

func TestToolErrorIsToolValidation(t *testing.T) {
	llm := model.NewScripted(`{"tool_calls":[{"tool":"write_file","args":{"path":"src/app.py","content":"x"}},{"tool":"read_file","args":{"path":"nope.txt"}}]}`)
	h := newHarness(t, llm)

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress))
	require.Error(t, err)
	assert.Equal(t, FailureToolValidation, res.Failure.Type)
	assert.True(t, dispatch.HasKind(err, dispatch.ToolExecutionError))
}

func TestHooksCanCancelTurn(t *testing.T) {
	llm := model.NewScripted(writeDone)
	h := newHarness(t, llm)
	var failed *Failure
	h.exec.Hooks = Hooks{
		BeforePrompt: func(context.Context, []model.Message) error { return errors.New("budget spent") },
		OnFailure:    func(_ context.Context, _ Request, f *Failure) { failed = f },
	}

	res, err := h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.Error(t, err)
	assert.Equal(t, FailureCancelled, res.Failure.Type)
	assert.Equal(t, 0, llm.Calls())
	require.NotNil(t, failed)
	assert.Same(t, res.Failure, failed)
	assert.Len(t, h.store.artifacts, 2)

	llm = model.NewScripted(writeDone)
	h = newHarness(t, llm)
	h.exec.Hooks.AfterModel = func(_ context.Context, attempt int, res model.Response) error {
		if strings.Contains(res.Content, "write_file") {
			return errors.New("write blocked by reviewer")
		}
		return nil
	}
	res, err = h.exec.Execute(context.Background(), coderRequest(domain.StatusInProgress, domain.StatusCodeReview))
	require.Error(t, err)
	assert.Equal(t, FailureCancelled, res.Failure.Type)
	assert.Empty(t, h.statuses)
}

func TestBuildMessagesCarriesContext(t *testing.T) {
	req := coderRequest(domain.StatusInProgress, domain.StatusCodeReview)
	req.Context.CurrentStatus = domain.StatusInProgress
	req.Role.Mission = "Build it."
	msgs := BuildMessages(req)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "Build it."))
	assert.Contains(t, msgs[0].Content, "Allowed tools: read_file, write_file, update_issue_status.")
	assert.Contains(t, msgs[1].Content, `"allowed_next"`)
	assert.Contains(t, msgs[1].Content, "CODE_REVIEW")

	req.SystemPrompt = "Custom prompt."
	assert.True(t, strings.HasPrefix(BuildMessages(req)[0].Content, "Custom prompt."))
}
