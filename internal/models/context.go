package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	StatusPending         RunStatus = "pending"
	StatusRunning         RunStatus = "running"
	StatusWaitingForInput RunStatus = "waiting_for_input"
	StatusPaused          RunStatus = "paused"
	StatusCompleted       RunStatus = "completed"
	StatusFailed          RunStatus = "failed"
	StatusAborted         RunStatus = "aborted"
)

// Terminal reports whether the status is final. Terminal runs are never
// re-entered by Run; only Resume may restart a failed or aborted run.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// Task is the user-supplied work item a run executes against.
type Task struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source"`
	SourceID    string `json:"source_id,omitempty"`
}

// StepUsage holds cost and token metrics reported by an agent for one step.
type StepUsage struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMS   float64 `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
}

// RunContext is the single mutable state object threaded through one
// pipeline run. It is serialized in full into the run record after every
// mutation so a separate process can resume or roll back the run.
type RunContext struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`

	Task        Task   `json:"task"`
	ProjectPath string `json:"project_path"`

	// Project info, filled by the detection step.
	Language    string `json:"language,omitempty"`
	Framework   string `json:"framework,omitempty"`
	TestRunner  string `json:"test_runner,omitempty"`
	TestCommand string `json:"test_command,omitempty"`

	// Accumulated step outputs, keyed by step name. Opaque to the
	// orchestrator; agents read and write what they need.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Security loop-back signal set by the security agent.
	RequiresRework   bool   `json:"requires_rework,omitempty"`
	SecurityFeedback string `json:"security_feedback,omitempty"`

	Status       RunStatus `json:"status"`
	CurrentStep  string    `json:"current_step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	StepUsage    map[string]StepUsage `json:"step_usage,omitempty"`
	TotalCostUSD float64              `json:"total_cost_usd"`

	// Git bookkeeping, owned by the workspace manager.
	BranchNaming string            `json:"branch_naming,omitempty"`
	PreRunSHA    string            `json:"pre_run_sha,omitempty"`
	StepCommits  map[string]string `json:"step_commits,omitempty"`
	WorktreePath string            `json:"worktree_path,omitempty"`
}

// NewRunContext creates a pending context with a fresh run ID.
func NewRunContext(task Task, projectPath string) *RunContext {
	return &RunContext{
		RunID:       strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		StartedAt:   time.Now().UTC(),
		Task:        task,
		ProjectPath: projectPath,
		Status:      StatusPending,
		Outputs:     map[string]any{},
		StepUsage:   map[string]StepUsage{},
		StepCommits: map[string]string{},
	}
}

// EffectivePath is the directory all file and shell operations for this run
// must use: the worktree once one exists, else the project itself.
func (c *RunContext) EffectivePath() string {
	if c.WorktreePath != "" {
		return c.WorktreePath
	}
	return c.ProjectPath
}

// TicketNumber parses the ticket reference out of the task source ID
// (format "ticket:N").
func (c *RunContext) TicketNumber() (int, bool) {
	if !strings.HasPrefix(c.Task.SourceID, "ticket:") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(c.Task.SourceID, "ticket:"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// RecordUsage stores an agent's usage metrics and updates the run total.
func (c *RunContext) RecordUsage(stepName string, usage StepUsage) {
	if c.StepUsage == nil {
		c.StepUsage = map[string]StepUsage{}
	}
	c.StepUsage[stepName] = usage
	c.TotalCostUSD += usage.CostUSD
}
