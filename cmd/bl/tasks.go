package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a bounty paid from the installation escrow. They flow OPEN -> IN_PROGRESS -> MARKED_AS_COMPLETED -> COMPLETED; settlement performs the payout.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskApplyCmd())
	task.AddCommand(taskWithdrawCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskSubmissionsCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskSettleCmd())
	task.AddCommand(taskReleaseHoldCmd())
	task.AddCommand(taskActivitiesCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var bounty, issue, unit string
	var timeline int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			amount, err := parseAmount(bounty)
			if err != nil {
				return err
			}
			opts.ActorID = actor
			opts.InstallationID = inst
			opts.Bounty = amount
			if issue != "" {
				if !json.Valid([]byte(issue)) {
					return fmt.Errorf("--issue must be JSON")
				}
				opts.Issue = domain.Document(issue)
			}
			if cmd.Flags().Changed("timeline") {
				opts.Timeline = &domain.Timeline{Value: timeline, Unit: domain.TimelineUnit(unit)}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&bounty, "bounty", "", "bounty amount")
	cmd.Flags().StringVar(&opts.Asset, "asset", "", "bounty asset (config default if omitted)")
	cmd.Flags().StringVar(&issue, "issue", "", "issue document as JSON")
	cmd.Flags().IntVar(&timeline, "timeline", 0, "expected duration")
	cmd.Flags().StringVar(&unit, "timeline-unit", string(domain.TimelineWeek), "DAY or WEEK")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("bounty")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of an installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			if f.InstallationID, err = installationID(); err != nil {
				return err
			}
			f.Status = domain.TaskStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tasks, err := a.Engine.ListTasks(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ContributorID, "contributor", "", "contributor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func printTasks(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Bounty", "Contributor", "Applicants", "Settled"})
	for _, t := range tasks {
		settled := ""
		switch {
		case t.Settled:
			settled = "yes"
		case t.SettlementHold:
			settled = "hold"
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Bounty.String() + " " + t.BountyAsset, t.Contributor(), len(t.Applicants), settled})
	}
	tw.Render()
}

// taskAction builds a subcommand that runs fn on one task as the acting user.
func taskAction(use, short string, fn func(context.Context, engine.Engine, string, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := fn(ctx, a.Engine, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func taskGetCmd() *cobra.Command {
	return taskAction("get", "Get task", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.GetTask(ctx, id, actor)
	})
}

func taskApplyCmd() *cobra.Command {
	return taskAction("apply", "Apply to an open task", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Apply(ctx, id, actor)
	})
}

func taskWithdrawCmd() *cobra.Command {
	return taskAction("withdraw", "Withdraw an application", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.WithdrawApplication(ctx, id, actor)
	})
}

func taskAcceptCmd() *cobra.Command {
	var contributor string
	cmd := taskAction("accept", "Accept an applicant as contributor", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Accept(ctx, id, contributor, actor)
	})
	cmd.Flags().StringVar(&contributor, "contributor", "", "applicant user id")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var in engine.SubmissionInput
	var meta string
	cmd := taskAction("submit", "Submit work as the contributor", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		if meta != "" {
			if !json.Valid([]byte(meta)) {
				return nil, fmt.Errorf("--meta must be JSON")
			}
			in.Meta = domain.Document(meta)
		}
		return e.Submit(ctx, id, actor, in)
	})
	cmd.Flags().StringVar(&in.WorkRef, "work", "", "link to the work (pull request, commit)")
	cmd.Flags().StringVar(&in.Attachment, "attachment", "", "attachment reference")
	cmd.Flags().StringVar(&meta, "meta", "", "metadata as JSON")
	_ = cmd.MarkFlagRequired("work")
	return cmd
}

func taskSubmissionsCmd() *cobra.Command {
	return taskAction("submissions", "List submissions", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.ListSubmissions(ctx, id, actor)
	})
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task completed (settles right away when settlement.auto is on)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.MarkCompleted(ctx, args[0], actor)
				if err != nil && t.ID == "" {
					return err
				}
				if err != nil {
					// marked, but the payout did not go through yet
					fmt.Fprintln(os.Stderr, "settlement pending:", err)
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReopenCmd() *cobra.Command {
	return taskAction("reopen", "Return an in-progress task without submissions to OPEN", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Reopen(ctx, id, actor)
	})
}

func taskSettleCmd() *cobra.Command {
	return taskAction("settle", "Pay the bounty of a task marked completed", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.SettleAs(ctx, id, actor)
	})
}

func taskReleaseHoldCmd() *cobra.Command {
	return taskAction("release-hold", "Release a settlement hold so the retrier picks the task up", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.ReleaseSettlementHold(ctx, id, actor)
	})
}

func taskActivitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activities <task-id>",
		Short: "Show the activity log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				acts, err := a.Engine.ListActivities(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "At", "Kind", "User", "Payload"})
				for _, act := range acts {
					tw.AppendRow(table.Row{act.ID, act.CreatedAt, act.Kind, optionalString(act.UserID), string(act.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}
