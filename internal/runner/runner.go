// Package runner schedules ready cards: it leases each one, runs a single turn for the role
// that handles the card type, and releases the card according to the turn's outcome.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cardline/internal/config"
	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/statemachine"
	"cardline/internal/turn"
)

const (
	defaultLeaseSeconds = 300
	defaultConcurrency  = 1
	defaultPollInterval = 5 * time.Second
	releaseTimeout      = 10 * time.Second

	turnStartedEvent = "turn.started"
)

// TurnExecutor runs one turn. *turn.Executor and turn.Executor satisfy it.
type TurnExecutor interface {
	Execute(ctx context.Context, req turn.Request) (turn.Result, error)
}

type Runner struct {
	Engine    engine.Engine
	Config    *config.Config
	ProjectID string
	Executor  TurnExecutor
	Logger    *zap.Logger
	// SessionID groups the runs of one process for replay. Empty means a fresh id per Runner.
	SessionID string
	// Resume makes dispatch consult the replay cache.
	Resume bool
}

// Report describes what RunOnce did with one card.
type Report struct {
	CardID      string
	RunID       string
	Role        string
	Skipped     string
	Success     bool
	Failure     *turn.Failure
	FinalStatus domain.Status
	Err         error
}

func New(eng engine.Engine, cfg *config.Config, projectID string, exec TurnExecutor, logger *zap.Logger) *Runner {
	return &Runner{
		Engine:    eng,
		Config:    cfg,
		ProjectID: projectID,
		Executor:  exec,
		Logger:    logger,
		SessionID: uuid.NewString(),
	}
}

// RunOnce processes the current ready backlog once. Cards run concurrently up to the
// configured limit; turns on a single card never overlap because each holds a lease. The
// returned error joins per-card infrastructure errors; turn failures are reported, not
// returned.
func (r *Runner) RunOnce(ctx context.Context) ([]Report, error) {
	if r.Executor == nil {
		return nil, errors.New("runner has no executor")
	}
	concurrency := r.Config.Runner.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	cards, err := r.Engine.FetchReadyCards(ctx, r.ProjectID, concurrency*4)
	if err != nil {
		return nil, fmt.Errorf("fetch ready cards: %w", err)
	}
	reports := make([]Report, len(cards))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, card := range cards {
		g.Go(func() error {
			reports[i] = r.work(ctx, card)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, rep := range reports {
		if rep.Err != nil {
			errs = append(errs, fmt.Errorf("card %s: %w", rep.CardID, rep.Err))
		}
	}
	return reports, errors.Join(errs...)
}

// Run calls RunOnce every poll interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Duration(r.Config.Runner.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reports, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger().Error("run once failed", zap.Error(err))
		}
		if len(reports) > 0 {
			r.logger().Info("runner pass", zap.Int("cards", len(reports)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) work(ctx context.Context, card domain.CardSummary) Report {
	rep := Report{CardID: card.ID}
	owner := r.Owner()
	log := r.logger().With(zap.String("issue_id", card.ID), zap.String("owner", owner))

	role, ok := r.Config.RoleFor(card.Type)
	if !ok {
		rep.Skipped = "no role handles card type " + string(card.Type)
		log.Info("card skipped", zap.String("reason", rep.Skipped))
		return rep
	}
	rep.Role = role.Name

	lease, err := r.Engine.AcquireLease(ctx, card.ID, owner, r.leaseSeconds())
	if err != nil {
		rep.Err = fmt.Errorf("acquire lease: %w", err)
		return rep
	}
	if lease == nil {
		rep.Skipped = "leased by another runner"
		log.Info("card skipped", zap.String("reason", rep.Skipped))
		return rep
	}

	var resume *turnStart
	if card.Status == domain.StatusInProgress {
		// Reclaimed after an interrupted turn: pick up where that turn left off.
		resume, err = r.lastTurnStart(ctx, card.ID)
		if err != nil {
			rep.Err = errors.Join(fmt.Errorf("resume card: %w", err), r.release(ctx, card.ID, owner, "", nil))
			return rep
		}
		log.Info("resuming interrupted card", zap.Bool("replay", resume != nil))
	} else {
		if _, err := r.Engine.TransitionState(ctx, engine.Transition{
			CardID:  card.ID,
			From:    domain.StatusReady,
			To:      domain.StatusInProgress,
			ActorID: owner,
		}); err != nil {
			rep.Err = errors.Join(fmt.Errorf("start card: %w", err), r.release(ctx, card.ID, owner, "", nil))
			return rep
		}
		card.Status = domain.StatusInProgress
	}

	stop := r.keepAlive(ctx, log, card.ID, owner, lease.Epoch)
	res, runErr := r.runTurn(ctx, card, role, resume, &rep)
	stop()
	if rep.Err != nil {
		rep.Err = errors.Join(rep.Err, r.release(ctx, card.ID, owner, "", rep.Err))
		return rep
	}
	if ctx.Err() != nil && !res.Success {
		// Leave the card IN_PROGRESS with its lease released so the next runner resumes it.
		cause := fmt.Errorf("turn interrupted: %w", ctx.Err())
		rep.Err = errors.Join(cause, r.release(ctx, card.ID, owner, "", cause))
		log.Info("card interrupted", zap.String("run_id", rep.RunID))
		return rep
	}

	rep.Success = res.Success
	rep.Failure = res.Failure
	want := domain.Status("")
	if !res.Success {
		want = domain.StatusBlocked
		if res.ShouldRetry() {
			want = domain.StatusReady
		}
	}
	fin, cancel := detached(ctx)
	defer cancel()
	final, err := r.finalState(fin, card, want)
	if err != nil {
		rep.Err = errors.Join(err, r.release(ctx, card.ID, owner, "", runErr))
		return rep
	}
	if err := r.release(ctx, card.ID, owner, final, runErr); err != nil {
		rep.Err = err
		return rep
	}
	current, err := r.Engine.GetCard(fin, card.ID)
	if err == nil {
		rep.FinalStatus = current.Status
	}
	log.Info("card processed",
		zap.String("run_id", rep.RunID),
		zap.String("role", role.Name),
		zap.Bool("success", res.Success),
		zap.String("final_status", string(rep.FinalStatus)),
	)
	return rep
}

// release ends the lease even when ctx is already cancelled.
func (r *Runner) release(ctx context.Context, cardID, owner string, final domain.Status, cause error) error {
	rctx, cancel := detached(ctx)
	defer cancel()
	if err := r.Engine.ReleaseOrFail(rctx, cardID, owner, final, cause); err != nil {
		return fmt.Errorf("release card: %w", err)
	}
	return nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

// turnStart identifies a turn for replay; it is recorded before the model is called.
type turnStart struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	TurnIndex int    `json:"turn_index"`
}

func (r *Runner) lastTurnStart(ctx context.Context, cardID string) (*turnStart, error) {
	evts, err := r.Engine.Repo.LatestEvents(ctx, 1, r.ProjectID, turnStartedEvent, "card", cardID)
	if err != nil || len(evts) == 0 {
		return nil, err
	}
	var ts turnStart
	if err := json.Unmarshal([]byte(evts[0].Payload), &ts); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", turnStartedEvent, err)
	}
	if ts.SessionID == "" {
		return nil, nil
	}
	// A checkpoint at that index means the turn completed; the next one starts fresh.
	next, err := r.Engine.Repo.NextTurnIndex(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if next > ts.TurnIndex {
		return nil, nil
	}
	return &ts, nil
}

func (r *Runner) runTurn(ctx context.Context, card domain.CardSummary, role domain.Role, resume *turnStart, rep *Report) (turn.Result, error) {
	unresolved, err := r.Engine.Repo.UnresolvedDependenciesTx(ctx, nil, card.ID)
	if err != nil {
		rep.Err = fmt.Errorf("dependencies: %w", err)
		return turn.Result{}, err
	}
	prompt, err := r.Engine.RolePrompt(ctx, r.ProjectID, role.Name)
	if err != nil {
		rep.Err = fmt.Errorf("role prompt: %w", err)
		return turn.Result{}, err
	}
	verified, err := r.Engine.VerifierPassed(ctx, card.ID)
	if err != nil {
		rep.Err = fmt.Errorf("verifier outcome: %w", err)
		return turn.Result{}, err
	}

	tc := BuildContext(r.Config, role, card)
	tc.RunID = uuid.NewString()
	tc.ProjectID = r.ProjectID
	tc.Dependencies.Unresolved = unresolved
	tc.VerifierPassed = verified
	if resume != nil {
		tc.SessionID = resume.SessionID
		tc.TurnIndex = resume.TurnIndex
		tc.Resume = true
	} else {
		turnIndex, err := r.Engine.Repo.NextTurnIndex(ctx, card.ID)
		if err != nil {
			rep.Err = fmt.Errorf("turn index: %w", err)
			return turn.Result{}, err
		}
		tc.SessionID = r.SessionID
		tc.TurnIndex = turnIndex
		tc.Resume = r.Resume
	}
	rep.RunID = tc.RunID

	started := turnStart{RunID: tc.RunID, SessionID: tc.SessionID, TurnIndex: tc.TurnIndex}
	if _, err := r.Engine.AppendEvent(ctx, card.ID, turnStartedEvent, r.Owner(), map[string]any{
		"run_id": started.RunID, "session_id": started.SessionID, "turn_index": started.TurnIndex, "role": role.Name, "resume": tc.Resume,
	}, turnStartedEvent+":"+tc.RunID); err != nil {
		rep.Err = fmt.Errorf("record turn start: %w", err)
		return turn.Result{}, err
	}

	return r.Executor.Execute(ctx, turn.Request{Card: card, Role: role, Context: tc, SystemPrompt: prompt})
}

// finalState returns want when the table allows it from the card's current status, else "".
func (r *Runner) finalState(ctx context.Context, card domain.CardSummary, want domain.Status) (domain.Status, error) {
	if want == "" {
		return "", nil
	}
	current, err := r.Engine.GetCard(ctx, card.ID)
	if err != nil {
		return "", fmt.Errorf("reload card: %w", err)
	}
	if current.Status == want {
		return want, nil
	}
	if !statemachine.Allowed(current.Type, current.Status, want) {
		if want == domain.StatusReady && statemachine.Allowed(current.Type, current.Status, domain.StatusBlocked) {
			return domain.StatusBlocked, nil
		}
		return "", nil
	}
	return want, nil
}

// keepAlive renews the lease at a third of its length until the returned func is called.
func (r *Runner) keepAlive(ctx context.Context, log *zap.Logger, cardID, owner string, epoch int64) func() {
	secs := r.leaseSeconds()
	every := time.Duration(secs) * time.Second / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := r.Engine.RenewLease(ctx, cardID, owner, epoch, secs); err != nil {
					log.Warn("lease renewal failed", zap.Error(err))
					if errors.Is(err, engine.ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Owner is the lease owner and actor for everything this runner records.
func (r *Runner) Owner() string {
	if r.Config.Runner.OwnerID != "" {
		return r.Config.Runner.OwnerID
	}
	return "runner-" + r.SessionID
}

func (r *Runner) leaseSeconds() int {
	if r.Config.Runner.LeaseSeconds > 0 {
		return r.Config.Runner.LeaseSeconds
	}
	return defaultLeaseSeconds
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
