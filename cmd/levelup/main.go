package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/detect"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/orchestrator"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

var (
	statusStyles = map[models.RunStatus]lipgloss.Style{
		models.StatusPending:         lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		models.StatusRunning:         lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		models.StatusWaitingForInput: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		models.StatusPaused:          lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		models.StatusCompleted:       lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		models.StatusFailed:          lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusAborted:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// dbPath overrides the default database location when set.
var dbPath string

func main() {
	// Ctrl-C or SIGTERM cancels the command context so in-flight runs
	// finish as aborted rather than dying mid-step.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:          "levelup",
		Short:        "Agent-driven development pipeline",
		Long:         "Levelup runs coding tasks through a fixed agent pipeline with human checkpoints, isolated in per-run git worktrees.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Path to the state database (defaults to <data-dir>/state.db)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newDetectCommand())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openStorage loads config, ensures the data dir, and opens the database.
func openStorage() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := cfg.DBPath
	if dbPath != "" {
		path = dbPath
	}
	store, err := storage.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

// buildOrchestrator assembles the full run machinery for a project.
func buildOrchestrator(cfg *config.Config, store *storage.Storage, settings *config.Settings, headless bool) *orchestrator.Orchestrator {
	logging.Setup(settings.Log.Level)

	ws := workspace.NewGitManager(workspace.Options{
		WorktreesDir: cfg.WorktreesDir(),
		Enabled:      settings.Pipeline.CreateBranch,
		Required:     settings.Pipeline.IsolationRequired,
	})
	runner := agent.NewRunner(settings.Agent.Executable, settings.Agent.Model, settings.Agent.MaxTurns)

	return orchestrator.New(orchestrator.Config{
		Storage:   store,
		Workspace: ws,
		Agents:    orchestrator.DefaultAgents(runner),
		Prompter:  &checkpoint.TerminalPrompter{In: os.Stdin, Out: os.Stdout},
		Settings:  settings,
		Headless:  headless,
	})
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task title>",
		Short: "Start a new pipeline run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			projectPath, _ := cmd.Flags().GetString("path")
			ticket, _ := cmd.Flags().GetInt("ticket")
			headless, _ := cmd.Flags().GetBool("headless")
			noCheckpoints, _ := cmd.Flags().GetBool("no-checkpoints")
			branchNaming, _ := cmd.Flags().GetString("branch-naming")

			if projectPath == "" {
				var err error
				projectPath, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			settings, err := config.LoadSettings(projectPath)
			if err != nil {
				return err
			}
			if noCheckpoints {
				settings.Pipeline.RequireCheckpoints = false
			}
			if branchNaming != "" {
				convention := workspace.NormalizeConvention(branchNaming)
				settings.Project.BranchNaming = convention
				// Remember the convention so later runs on this project
				// use it without the flag.
				if err := config.SaveBranchNaming(projectPath, convention); err != nil {
					return err
				}
			}

			task := models.Task{
				Title:       strings.Join(args, " "),
				Description: description,
				Source:      "manual",
			}
			if ticket > 0 {
				task.Source = "ticket"
				task.SourceID = fmt.Sprintf("ticket:%d", ticket)
			}

			orch := buildOrchestrator(cfg, store, settings, headless)

			rc, err := orch.Run(cmd.Context(), task)
			if rc != nil {
				printRunSummary(rc)
			}
			if err != nil {
				return err
			}
			return exitOnFailure(cmd, rc)
		},
	}
	cmd.Flags().String("description", "", "Longer task description passed to the agents")
	cmd.Flags().String("path", "", "Project path (defaults to the current directory)")
	cmd.Flags().Int("ticket", 0, "Ticket number this run implements")
	cmd.Flags().Bool("headless", false, "Publish checkpoints to the database instead of prompting")
	cmd.Flags().Bool("no-checkpoints", false, "Run the pipeline without approval gates")
	cmd.Flags().String("branch-naming", "", `Branch naming convention (e.g. "feature/{task_title}")`)
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed, aborted, or paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStep, _ := cmd.Flags().GetString("from-step")
			headless, _ := cmd.Flags().GetBool("headless")

			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch rec.Status {
			case models.StatusFailed, models.StatusAborted, models.StatusPaused:
			default:
				return fmt.Errorf("run %s is %s; only failed, aborted, or paused runs can be resumed",
					rec.RunID, rec.Status)
			}

			settings, err := config.LoadSettings(rec.ProjectPath)
			if err != nil {
				return err
			}

			orch := buildOrchestrator(cfg, store, settings, headless)

			rc, err := orch.Resume(cmd.Context(), args[0], fromStep)
			if rc != nil {
				printRunSummary(rc)
			}
			if err != nil {
				return err
			}
			return exitOnFailure(cmd, rc)
		},
	}
	cmd.Flags().String("from-step", "", "Restart from this step instead of the recorded one")
	cmd.Flags().Bool("headless", false, "Publish checkpoints to the database instead of prompting")
	return cmd
}

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Reset a run's branch and remove its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toStep, _ := cmd.Flags().GetString("to")

			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			settings, err := config.LoadSettings(rec.ProjectPath)
			if err != nil {
				return err
			}

			orch := buildOrchestrator(cfg, store, settings, false)

			rc, err := orch.Rollback(cmd.Context(), args[0], toStep)
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back run %s\n", rc.RunID)
			return nil
		},
	}
	cmd.Flags().String("to", "", "Roll back to the commit recorded after this step instead of the pre-run state")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			// Settle runs whose owning process died before reporting.
			if _, err := store.MarkDeadRuns(cmd.Context()); err != nil {
				return err
			}

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Println(headerStyle.Render(rec.TaskTitle))
			printField("Run ID", rec.RunID)
			printField("Status", renderStatus(rec.Status))
			if rec.CurrentStep != "" {
				printField("Step", rec.CurrentStep)
			}
			printField("Project", rec.ProjectPath)
			if rec.Language != "" {
				printField("Language", rec.Language)
			}
			if rec.TicketNumber != nil {
				printField("Ticket", strconv.Itoa(*rec.TicketNumber))
			}
			if rec.TotalCostUSD > 0 {
				printField("Cost", fmt.Sprintf("$%.4f", rec.TotalCostUSD))
			}
			if rec.ErrorMessage != "" {
				printField("Error", rec.ErrorMessage)
			}

			rc, err := storage.UnmarshalContext(rec)
			if err == nil {
				if rc.WorktreePath != "" {
					printField("Worktree", rc.WorktreePath)
				}
				if len(rc.StepCommits) > 0 {
					fmt.Println("\nStep commits:")
					for _, step := range []string{"requirements", "planning", "test_writing", "coding", "security", "review"} {
						if sha, ok := rc.StepCommits[step]; ok {
							fmt.Printf("  %-14s %s\n", step, sha)
						}
					}
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFilter, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.MarkDeadRuns(cmd.Context()); err != nil {
				return err
			}

			runs, err := store.ListRuns(cmd.Context(), statusFilter, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s  %-18s %s\n",
					run.RunID,
					renderStatus(run.Status),
					truncate(run.TaskTitle, 50))
			}
			return nil
		},
	}
	cmd.Flags().String("status", "", "Only show runs with this status")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run, its checkpoints, and its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			// Remove the worktree first; the branch stays.
			if rc, err := storage.UnmarshalContext(rec); err == nil && rc.WorktreePath != "" {
				ws := workspace.NewGitManager(workspace.Options{
					WorktreesDir: cfg.WorktreesDir(),
					Enabled:      true,
				})
				if err := ws.Teardown(cmd.Context(), rc); err != nil {
					return fmt.Errorf("failed to remove worktree: %w", err)
				}
			}

			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List pending checkpoint requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			reqs, err := store.GetPendingCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No pending checkpoints.")
				return nil
			}
			for _, req := range reqs {
				fmt.Printf("#%d  run %s  %s  (since %s)\n",
					req.ID, req.RunID, req.StepName,
					req.CreatedAt.Local().Format("15:04:05"))
			}
			return nil
		},
	}
	cmd.AddCommand(newDecideCommand())
	return cmd
}

func newDecideCommand() *cobra.Command {
	decideCmd := &cobra.Command{
		Use:   "decide <request-id> <approve|revise|reject>",
		Short: "Decide a pending checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("message")

			requestID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request ID: %w", err)
			}

			var decision models.Decision
			switch args[1] {
			case "approve":
				decision = models.DecisionApprove
			case "revise":
				decision = models.DecisionRevise
			case "reject":
				decision = models.DecisionReject
			default:
				return fmt.Errorf("invalid decision %q (want approve, revise, or reject)", args[1])
			}

			_, store, err := openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.SubmitCheckpointDecision(cmd.Context(), requestID, decision, feedback)
			if errors.Is(err, models.ErrCheckpointDecided) {
				return fmt.Errorf("checkpoint #%d was already decided", requestID)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Recorded %s for checkpoint #%d\n", decision, requestID)
			return nil
		},
	}
	decideCmd.Flags().StringP("message", "m", "", "Feedback to attach to the decision")
	return decideCmd
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [path]",
		Short: "Detect project language, framework, and test tooling",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}

			info, err := detect.Probe(context.Background(), path)
			if err != nil {
				return err
			}
			if info.Language == "" {
				fmt.Println("No project markers recognized.")
				return nil
			}
			printField("Language", info.Language)
			if info.Framework != "" {
				printField("Framework", info.Framework)
			}
			if info.TestRunner != "" {
				printField("Test runner", info.TestRunner)
			}
			if info.TestCommand != "" {
				printField("Test command", info.TestCommand)
			}
			return nil
		},
	}
}

func printRunSummary(rc *models.RunContext) {
	fmt.Println()
	printField("Run ID", rc.RunID)
	printField("Status", renderStatus(rc.Status))
	if rc.WorktreePath != "" {
		printField("Worktree", rc.WorktreePath)
	}
	if rc.TotalCostUSD > 0 {
		printField("Cost", fmt.Sprintf("$%.4f", rc.TotalCostUSD))
	}
	if rc.ErrorMessage != "" {
		printField("Error", rc.ErrorMessage)
	}
}

func printField(label, value string) {
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), value)
}

func renderStatus(s models.RunStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// errRunFailed maps a failed run to a non-zero exit through cobra's normal
// error path so deferred cleanup (store.Close) still runs.
var errRunFailed = errors.New("run failed")

func exitOnFailure(cmd *cobra.Command, rc *models.RunContext) error {
	if rc != nil && rc.Status == models.StatusFailed {
		// The summary already showed the failure; don't print it twice.
		cmd.SilenceErrors = true
		return errRunFailed
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
