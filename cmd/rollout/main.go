package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rollout/internal/config"
	"rollout/internal/db"
	"rollout/internal/domain"
	"rollout/internal/engine"
	"rollout/internal/migrate"
	"rollout/internal/repo"
	"rollout/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Rollout CLI",
	Long: `Rollout tracks client implementation projects through a fixed six-stage
pipeline (infra, adherence, environment, conversion, implementation, post)
and routes data-conversion work through an assignment queue with a
homologation gate. Every mutation lands in an append-only audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROLLOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string   { return viper.GetString("actor-id") }
func actorName() string { return viper.GetString("actor-name") }

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default rollout.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with its six stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{Name: name, Actor: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status, name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ProjectFilter{Status: status, Name: name})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Health", "Last update"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status,
						fmt.Sprintf("%d%%", p.OverallProgress),
						e.Health.ClassifyProject(p, now), p.LastUpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&name, "name", "", "name filter (substring)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with stages and health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, healthStatus, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "health": healthStatus})
				}
				fmt.Printf("%s  %s  [%s]  %d%%  health=%s\n", p.ID, p.Name, p.Status, p.OverallProgress, healthStatus)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Responsible", "Blocking reason"})
				for _, key := range domain.StageKeys() {
					s := p.Stages[key]
					tw.AppendRow(table.Row{key, s.Status, deref(s.Responsible), deref(s.BlockingReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status string
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Rename or re-status a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectUpdateOptions{ProjectID: args[0], Actor: actorID()}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&status, "status", "", "status (todo, in-progress, blocked, done, archived)")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Manage pipeline stages"}
	stage.AddCommand(stageUpdateCmd())
	stage.AddCommand(stageShowCmd())
	return stage
}

func stageUpdateCmd() *cobra.Command {
	var status, responsible, startDate, endDate, reason, observations string
	cmd := &cobra.Command{
		Use:   "update <project-id> <stage-key>",
		Short: "Update one stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.StageUpdateOptions{
					ProjectID: args[0],
					StageKey:  args[1],
					Actor:     actorID(),
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				if cmd.Flags().Changed("responsible") {
					opts.Responsible = &responsible
				}
				if cmd.Flags().Changed("start-date") {
					opts.StartDate = &startDate
				}
				if cmd.Flags().Changed("end-date") {
					opts.EndDate = &endDate
				}
				if cmd.Flags().Changed("reason") {
					opts.BlockingReason = &reason
				}
				if cmd.Flags().Changed("observations") {
					opts.Observations = &observations
				}
				p, err := e.UpdateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "stage status (todo, in-progress, done, blocked, waiting_adjustment)")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (RFC3339)")
	cmd.Flags().StringVar(&reason, "reason", "", "blocking reason")
	cmd.Flags().StringVar(&observations, "observations", "", "free-form observations")
	return cmd
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id> <stage-key>",
		Short: "Show one stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Conversion queue workflow"}
	q.AddCommand(queueSendCmd())
	q.AddCommand(queueListCmd())
	q.AddCommand(queueMineCmd())
	q.AddCommand(queueClaimCmd())
	q.AddCommand(queueTransferCmd())
	q.AddCommand(queueSubmitCmd())
	q.AddCommand(queueApproveCmd())
	q.AddCommand(queuePriorityCmd())
	q.AddCommand(queueNotesCmd())
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueStatsCmd())
	return q
}

func queueSendCmd() *cobra.Command {
	var priority int
	var notes string
	cmd := &cobra.Command{
		Use:   "send <project-id>",
		Short: "Send a project to the conversion queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SendToConversion(ctx, engine.SendToConversionOptions{
					ProjectID: args[0],
					Priority:  priority,
					Notes:     notes,
					Actor:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5 (1 most urgent, default from config)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the conversion team")
	return cmd
}

func queueListCmd() *cobra.Command {
	var status string
	var unassigned, homologation bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.QueueItem
					err   error
				)
				switch {
				case unassigned:
					items, err = e.Repo.Unassigned(ctx)
				case homologation:
					items, err = e.Repo.InHomologation(ctx)
				default:
					items, err = e.Repo.ListQueueItems(ctx, repo.QueueFilter{Status: status})
				}
				if err != nil {
					return err
				}
				return printQueueItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "only pending items without an assignee")
	cmd.Flags().BoolVar(&homologation, "homologation", false, "only items at the QA gate")
	return cmd
}

func queueMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "Items assigned to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ByAssignee(ctx, actorID())
				if err != nil {
					return err
				}
				return printQueueItems(items)
			})
		},
	}
}

func queueClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <item-id>",
		Short: "Claim a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AssignToMe(ctx, args[0], actorID(), actorName())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func queueTransferCmd() *cobra.Command {
	var assigneeID, assigneeName string
	var propagate bool
	cmd := &cobra.Command{
		Use:   "transfer <item-id>",
		Short: "Transfer a working item to someone else",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.TransferTo(ctx, engine.TransferOptions{
					ItemID:         args[0],
					AssigneeID:     assigneeID,
					AssigneeName:   assigneeName,
					PropagateStage: propagate,
					Actor:          actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&assigneeID, "to", "", "new assignee id")
	cmd.Flags().StringVar(&assigneeName, "to-name", "", "new assignee display name")
	cmd.Flags().BoolVar(&propagate, "propagate", false, "update the project's conversion stage responsible")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func queueSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <item-id>",
		Short: "Submit an item for homologation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SendToHomologation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func queueApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <item-id>",
		Short: "Approve homologation and complete the item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ApproveHomologation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func queuePriorityCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "priority <item-id>",
		Short: "Change an item's priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdatePriority(ctx, args[0], priority, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "set", 3, "priority 1-5 (1 most urgent)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func queueNotesCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "notes <item-id>",
		Short: "Replace an item's notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdateNotes(ctx, args[0], notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "set", "", "notes text")
	return cmd
}

func queueStatusCmd() *cobra.Command {
	var status, assigneeID, assigneeName string
	cmd := &cobra.Command{
		Use:   "status <item-id>",
		Short: "Set an item's status directly (escape hatch)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdateQueueStatus(ctx, engine.QueueStatusOptions{
					ItemID:       args[0],
					Status:       status,
					AssigneeID:   assigneeID,
					AssigneeName: assigneeName,
					Actor:        actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "target status")
	cmd.Flags().StringVar(&assigneeID, "assignee", "", "assignee id when entering a working status")
	cmd.Flags().StringVar(&assigneeName, "assignee-name", "", "assignee display name")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Queue counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Repo.QueueStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range domain.QueueStatuses() {
					tw.AppendRow(table.Row{s, stats[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func issueCmd() *cobra.Command {
	iss := &cobra.Command{Use: "issue", Short: "Homologation issues"}
	iss.AddCommand(issueReportCmd())
	iss.AddCommand(issueListCmd())
	iss.AddCommand(issueResolveCmd())
	iss.AddCommand(issueDeleteCmd())
	return iss
}

func issueReportCmd() *cobra.Command {
	var title, description, priority string
	cmd := &cobra.Command{
		Use:   "report <item-id>",
		Short: "Report an issue against an item under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.ReportIssue(ctx, engine.ReportIssueOptions{
					ItemID:      args[0],
					Title:       title,
					Description: description,
					Priority:    priority,
					Actor:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&description, "description", "", "issue description")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium, or low (default medium)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var itemID, projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, repo.IssueFilter{
					QueueItemID: itemID,
					ProjectID:   projectID,
					Status:      status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Reported"})
				for _, i := range issues {
					tw.AppendRow(table.Row{i.ID, i.Title, i.Priority, i.Status, i.ReportedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "queue item filter")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func issueResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <issue-id>",
		Short: "Resolve an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.ResolveIssue(ctx, engine.ResolveIssueOptions{
					IssueID: args[0],
					Notes:   notes,
					Actor:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func issueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <issue-id>",
		Short: "Delete an issue permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteIssue(ctx, args[0], actorID())
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	var beforeID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, projectID, n, beforeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Project", "Actor", "Message"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.ProjectID, evt.Actor, evt.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().Int64Var(&beforeID, "before", 0, "only events older than this id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys for machine callers"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var forActor, forName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "rk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   forActor,
					ActorName: forName,
					KeyHash:   repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("Created API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&forName, "name", "", "actor display name")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var forActor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, forActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.ActorName, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forActor, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			secret := os.Getenv("ROLLOUT_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("ROLLOUT_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rollout API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printQueueItems(items []domain.QueueItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Project", "Status", "Prio", "Assignee", "Sent"})
	for _, q := range items {
		tw.AppendRow(table.Row{q.ID, q.ProjectID, q.Status, q.Priority, deref(q.AssignedTo), q.SentAt})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
