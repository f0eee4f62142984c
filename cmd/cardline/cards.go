package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardline/internal/domain"
	"cardline/internal/engine"
	"cardline/internal/repo"
)

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
		Long:  "Cards are the work items (issues, epics, rocks). Each type has its own status table; a runner leases a READY card, moves it to IN_PROGRESS and lets the mapped role take a turn.",
	}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardGetCmd())
	card.AddCommand(cardReadyCmd())
	card.AddCommand(cardClaimCmd())
	card.AddCommand(cardReleaseCmd())
	card.AddCommand(cardTransitionCmd())
	card.AddCommand(cardAssignCmd())
	card.AddCommand(cardVerifyCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var opts engine.CardCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				if err := e.RequirePermission(ctx, opts.ProjectID, opts.ActorID, "card.write"); err != nil {
					return err
				}
				c, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "card id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Type, "type", "issue", "card type (issue, epic, rock)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "summary")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", []string{}, "dependency card id (repeatable)")
	cmd.Flags().StringVar(&opts.Seat, "seat", "", "assigned seat")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower runs first)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				if f.Status != "" {
					st, ok := domain.ParseStatus(f.Status)
					if !ok {
						return fmt.Errorf("unknown status %q", f.Status)
					}
					f.Status = string(st)
				}
				cards, err := e.ListCards(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := newTable("ID", "Type", "Title", "Status", "Seat", "Wait")
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Type, c.Title, c.Status, deref(c.AssignedSeat), deref(c.WaitReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.AssignedSeat, "seat", "", "seat filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max cards")
	return cmd
}

func cardGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <card-id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cardReadyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List cards a runner would pick next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.FetchReadyCards(ctx, e.Config.Project.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := newTable("ID", "Type", "Role", "Title")
				for _, c := range cards {
					role := ""
					if r, ok := e.Config.RoleFor(c.Type); ok {
						role = r.Name
					}
					tw.AppendRow(table.Row{c.ID, c.Type, role, c.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max cards")
	return cmd
}

func cardClaimCmd() *cobra.Command {
	var leaseSeconds int
	cmd := &cobra.Command{
		Use:   "claim <card-id>",
		Short: "Acquire the lease on a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "card.lease"); err != nil {
					return err
				}
				lease, err := e.AcquireLease(ctx, args[0], actor, leaseSeconds)
				if err != nil {
					return err
				}
				if lease == nil {
					return fmt.Errorf("card %s: %w", args[0], engine.ErrLeaseHeld)
				}
				return printJSONOrTable(lease)
			})
		},
	}
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 300, "lease duration")
	return cmd
}

func cardReleaseCmd() *cobra.Command {
	var final, failure string
	cmd := &cobra.Command{
		Use:   "release <card-id>",
		Short: "Release a lease, optionally moving the card and recording a failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status domain.Status
			if final != "" {
				st, ok := domain.ParseStatus(final)
				if !ok {
					return fmt.Errorf("unknown status %q", final)
				}
				status = st
			}
			var cause error
			if failure != "" {
				cause = errors.New(failure)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "card.lease"); err != nil {
					return err
				}
				return e.ReleaseOrFail(ctx, args[0], actor, status, cause)
			})
		},
	}
	cmd.Flags().StringVar(&final, "status", "", "final status")
	cmd.Flags().StringVar(&failure, "error", "", "failure description")
	return cmd
}

func cardTransitionCmd() *cobra.Command {
	var from, to, reason string
	cmd := &cobra.Command{
		Use:   "transition <card-id>",
		Short: "Move a card along its status table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toSt, ok := domain.ParseStatus(to)
			if !ok {
				return fmt.Errorf("unknown status %q", to)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "card.transition"); err != nil {
					return err
				}
				fromSt := domain.Status("")
				if from == "" {
					c, err := e.GetCard(ctx, args[0])
					if err != nil {
						return err
					}
					fromSt = c.Status
				} else if fromSt, ok = domain.ParseStatus(from); !ok {
					return fmt.Errorf("unknown status %q", from)
				}
				c, err := e.TransitionState(ctx, engine.Transition{CardID: args[0], From: fromSt, To: toSt, Reason: reason, ActorID: actor})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current status (defaults to the stored one)")
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "wait reason for BLOCKED/WAITING_FOR_DEVELOPER")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardAssignCmd() *cobra.Command {
	var seat string
	cmd := &cobra.Command{
		Use:   "assign <card-id>",
		Short: "Assign a card to a seat; an empty seat clears it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "card.write"); err != nil {
					return err
				}
				c, err := e.AssignSeat(ctx, args[0], seat, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&seat, "seat", "", "seat")
	return cmd
}

func cardVerifyCmd() *cobra.Command {
	var failed bool
	var detail string
	cmd := &cobra.Command{
		Use:   "verify <card-id>",
		Short: "Record a verifier verdict (tests, CI, review) for the card's next turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "card.transition"); err != nil {
					return err
				}
				if err := e.RecordVerifierResult(ctx, args[0], actor, !failed, detail); err != nil {
					return err
				}
				verdict := "passed"
				if failed {
					verdict = "failed"
				}
				fmt.Printf("verifier %s for %s\n", verdict, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "record a failing verdict instead of a pass")
	cmd.Flags().StringVar(&detail, "detail", "", "verdict details")
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Tool calls held for human approval",
	}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovals(ctx, e.Config.Project.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Card", "Role", "Tool", "Status", "Decided By")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.CardID, a.Role, a.Tool, a.Status, deref(a.DecidedBy)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", domain.ApprovalPending, "status filter (pending, approved, rejected; empty for all)")
	cmd.AddCommand(list)
	cmd.AddCommand(decideCmd("approve", true))
	cmd.AddCommand(decideCmd("reject", false))
	return cmd
}

func decideCmd(use string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a held tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.RequirePermission(ctx, e.Config.Project.ID, actor, "approval.decide"); err != nil {
					return err
				}
				a, err := e.DecideApproval(ctx, args[0], approve, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoints", Short: "Turn checkpoints"}
	var limit int
	list := &cobra.Command{
		Use:   "list <card-id>",
		Short: "List checkpoints of a card, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCheckpoints(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Run", "Turn", "Role", "From", "To", "Failure", "Captured")
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.RunID, cp.TurnIndex, cp.Role, cp.StateDelta.From, cp.StateDelta.To, cp.FailureType, cp.CapturedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max checkpoints")
	cmd.AddCommand(list)
	return cmd
}

func violationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations <card-id>",
		Short: "List contract violations recorded for a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListViolationsByCard(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Run", "Turn", "Attempt", "Axis", "Reason")
				for _, v := range items {
					tw.AppendRow(table.Row{v.RunID, v.TurnIndex, v.Attempt, v.Axis, v.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rolePromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role-prompt",
		Short: "Per-project overrides of role system prompts",
	}
	var role, prompt, file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a prompt override for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt or --file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				if err := e.RequirePermission(ctx, projectID, viper.GetString("actor-id"), "project.admin"); err != nil {
					return err
				}
				if _, ok := e.Config.Role(role); !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				rp, err := e.Repo.UpsertRolePrompt(ctx, projectID, role, prompt)
				if err != nil {
					return err
				}
				return printJSONOrTable(rp)
			})
		},
	}
	set.Flags().StringVar(&role, "role", "", "role name")
	set.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	set.Flags().StringVar(&file, "file", "", "read the prompt from a file")
	_ = set.MarkFlagRequired("role")
	cmd.AddCommand(set)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored prompt overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRolePrompts(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return cmd
}
