package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cardline/internal/config"
	"cardline/internal/contract"
	"cardline/internal/dispatch"
	"cardline/internal/engine"
	"cardline/internal/gate"
	"cardline/internal/model"
	"cardline/internal/repo"
	"cardline/internal/runner"
	"cardline/internal/server"
	"cardline/internal/telemetry"
	"cardline/internal/toolrt"
	"cardline/internal/turn"
)

// services carries process-level services shared by run and serve.
type services struct {
	env      config.Env
	logger   *zap.Logger
	shutdown func(context.Context) error
}

func newServices(ctx context.Context) (services, error) {
	env, err := config.ParseEnv()
	if err != nil {
		return services{}, err
	}
	logger, err := telemetry.NewLogger(env.LogLevel)
	if err != nil {
		return services{}, err
	}
	shutdown, err := telemetry.SetupTracing(ctx, "cardline", env)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	return services{env: env, logger: logger, shutdown: shutdown}, nil
}

func (rt services) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.shutdown != nil {
		_ = rt.shutdown(ctx)
	}
	_ = rt.logger.Sync()
}

// buildRunner wires the turn pipeline against e: model client, tool runtime, gate,
// dispatcher with the SQLite replay cache, and the contract validator. An empty sessionID
// keeps the runner's generated one.
func buildRunner(ctx context.Context, rt services, e engine.Engine, workspace, sessionID string) (*runner.Runner, error) {
	cfg := e.Config
	if rt.env.ModelAPIKey == "" {
		return nil, errors.New("CARDLINE_MODEL_API_KEY is required to run turns")
	}
	llm, err := model.NewGenAI(ctx, rt.env.ModelAPIKey, rt.env.ModelName)
	if err != nil {
		return nil, err
	}
	return wireRunner(rt, e, cfg.WorkspaceRoot(workspace), llm, llm.Model(), sessionID), nil
}

// wireRunner assembles the runner around an already constructed model client. Everything
// the turn records is attributed to the runner's lease owner.
func wireRunner(rt services, e engine.Engine, root string, llm model.Client, modelName, sessionID string) *runner.Runner {
	cfg := e.Config
	r := runner.New(e, cfg, cfg.Project.ID, nil, rt.logger.Named("runner"))
	if sessionID != "" {
		r.SessionID = sessionID
	}
	store := e.TurnStore(cfg.Project.ID, r.Owner())

	reg := toolrt.NewRegistry()
	toolrt.FS{Root: root, Locks: toolrt.NewLockManager()}.Register(reg)
	toolrt.Cards{Engine: e, StatusTool: cfg.Governance.StatusTool}.Register(reg)

	timeout := time.Duration(cfg.Turn.ModelTimeoutSeconds) * time.Second
	r.Executor = turn.Executor{
		Model: llm,
		Validator: contract.Validator{
			Policy: contract.PolicyFromConfig(cfg),
			Root:   root,
			FS:     contract.DirChecker{Root: root},
		},
		Dispatcher: dispatch.Dispatcher{
			Runtime:          reg,
			Gate:             gate.New(cfg, root),
			Replay:           repo.ReplayCache{Repo: e.Repo},
			Approvals:        store,
			ApprovalRequired: cfg.Governance.ApprovalRequiredTools,
			Logger:           rt.logger.Named("dispatch"),
		},
		Checkpoints:  store,
		Artifacts:    store,
		Violations:   store,
		ModelTimeout: timeout,
		ModelName:    modelName,
		GuardRoles:   cfg.Governance.GuardRoles,
		Logger:       rt.logger.Named("turn"),
	}
	return r
}

func runCmd() *cobra.Command {
	var once, resume bool
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run turns on ready cards",
		Long:  "Leases READY cards, moves them to IN_PROGRESS and executes one turn per card with the role mapped to its type. Without --once it keeps polling until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				r, err := buildRunner(ctx, rt, e, viper.GetString("workspace"), sessionID)
				if err != nil {
					return err
				}
				r.Resume = resume
				if !once {
					return r.Run(ctx)
				}
				reports, err := r.RunOnce(ctx)
				if printErr := printReports(reports); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process the ready backlog once and exit")
	cmd.Flags().BoolVar(&resume, "resume", false, "replay tool results recorded for the session")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume (defaults to a fresh one)")
	return cmd
}

func printReports(reports []runner.Report) error {
	if viper.GetBool("json") {
		return printJSON(reports)
	}
	tw := newTable("Card", "Role", "Run", "Result", "Final Status")
	for _, rep := range reports {
		result := "ok"
		switch {
		case rep.Skipped != "":
			result = "skipped: " + rep.Skipped
		case rep.Err != nil:
			result = "error: " + rep.Err.Error()
		case rep.Failure != nil:
			result = fmt.Sprintf("%s: %s", rep.Failure.Type, rep.Failure.Reason)
		}
		tw.AppendRow(table.Row{rep.CardID, rep.Role, rep.RunID, result, rep.FinalStatus})
	}
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActor, withRunner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the card API and webhook deliveries. With --runner the turn runner polls in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := newServices(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.env.JWTSecret == "" {
				return fmt.Errorf("CARDLINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: rt.env.JWTSecret, AllowLegacyActorHeader: legacyActor},
					Logger:   rt.logger.Named("http"),
				})
				if err != nil {
					return err
				}
				var r *runner.Runner
				if withRunner {
					if r, err = buildRunner(ctx, rt, e, viper.GetString("workspace"), ""); err != nil {
						return err
					}
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.logger.Info("serving cardline API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := server.NewWebhookDispatcher(e, rt.logger); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				if r != nil {
					g.Go(func() error { return r.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	cmd.Flags().BoolVar(&withRunner, "runner", false, "run the turn runner in-process")
	return cmd
}
