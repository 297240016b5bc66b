// Package orchestrator drives runs through the pipeline: step execution
// with retries, checkpoint gates, security rework, and run finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/detect"
	"github.com/mpataki/levelup/internal/journal"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

// Agent executes one pipeline step against the run context, mutating it
// with outputs and usage.
type Agent func(ctx context.Context, rc *models.RunContext) error

// Detector probes a project directory.
type Detector func(ctx context.Context, projectPath string) (detect.Info, error)

// Config wires an Orchestrator. Storage, Workspace, and Agents are
// required; the rest default sensibly.
type Config struct {
	Storage   *storage.Storage
	Workspace workspace.Manager
	Agents    map[string]Agent
	Detector  Detector
	Prompter  checkpoint.Prompter
	Settings  *config.Settings
	Pipeline  pipeline.Pipeline

	// Headless runs publish checkpoint requests to storage and poll for
	// decisions instead of prompting on a terminal.
	Headless bool
}

type Orchestrator struct {
	store     *storage.Storage
	workspace workspace.Manager
	agents    map[string]Agent
	detector  Detector
	prompter  checkpoint.Prompter
	settings  *config.Settings
	pipeline  pipeline.Pipeline
	headless  bool
	logger    zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Detector == nil {
		cfg.Detector = detect.Probe
	}
	if cfg.Settings == nil {
		cfg.Settings = config.DefaultSettings()
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = pipeline.Default
	}
	return &Orchestrator{
		store:     cfg.Storage,
		workspace: cfg.Workspace,
		agents:    cfg.Agents,
		detector:  cfg.Detector,
		prompter:  cfg.Prompter,
		settings:  cfg.Settings,
		pipeline:  cfg.Pipeline,
		headless:  cfg.Headless,
		logger:    logging.Component("orchestrator"),
	}
}

// Run executes the full pipeline for a new task and returns the final run
// context. The worktree is left in place at the end of the run regardless
// of outcome; only rollback or delete removes it.
func (o *Orchestrator) Run(ctx context.Context, task models.Task) (*models.RunContext, error) {
	rc := models.NewRunContext(task, o.settings.Project.Path)
	rc.Language = o.settings.Project.Language
	rc.Framework = o.settings.Project.Framework
	rc.TestCommand = o.settings.Project.TestCommand
	rc.BranchNaming = resolveBranchNaming(o.settings.Project.BranchNaming)

	if ticket, ok := rc.TicketNumber(); ok {
		active, err := o.store.HasActiveRunForTicket(ctx, rc.ProjectPath, ticket)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, fmt.Errorf("%w: ticket %d already has active run %s",
				models.ErrDuplicateRun, ticket, active.RunID)
		}
	}

	if err := o.store.RegisterRun(ctx, rc); err != nil {
		return nil, err
	}
	o.logger.Info().Str("run_id", rc.RunID).Str("task", task.Title).Msg("run registered")

	rc.Status = models.StatusRunning
	if err := o.store.UpdateRun(ctx, rc); err != nil {
		return rc, err
	}

	if err := o.workspace.Create(ctx, rc); err != nil {
		rc.Status = models.StatusFailed
		rc.ErrorMessage = err.Error()
		return rc, errors.Join(err, o.finalize(ctx, rc, nil))
	}

	jrnl := journal.New(rc)
	jrnl.WriteHeader(rc)

	err := o.executeSteps(ctx, rc, o.pipeline, jrnl)
	return rc, errors.Join(err, o.finalize(ctx, rc, jrnl))
}

// Resume restarts a stopped run from its recorded step, or from fromStep
// when given. Only runs whose branch still exists can be resumed.
func (o *Orchestrator) Resume(ctx context.Context, runID, fromStep string) (*models.RunContext, error) {
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc, err := storage.UnmarshalContext(rec)
	if err != nil {
		return nil, err
	}

	target := fromStep
	if target == "" {
		target = rc.CurrentStep
	}
	if target == "" {
		return nil, fmt.Errorf("%w: run %s", models.ErrNoResumePoint, runID)
	}
	steps, err := o.pipeline.From(target)
	if err != nil {
		return nil, err
	}

	if err := o.workspace.Reattach(ctx, rc); err != nil {
		return nil, err
	}

	rc.Status = models.StatusRunning
	rc.ErrorMessage = ""
	if err := o.store.UpdateRun(ctx, rc); err != nil {
		return rc, err
	}
	o.logger.Info().Str("run_id", runID).Str("from_step", target).Msg("run resumed")

	jrnl := journal.New(rc)
	jrnl.LogResume(target)

	err = o.executeSteps(ctx, rc, steps, jrnl)
	return rc, errors.Join(err, o.finalize(ctx, rc, jrnl))
}

// Rollback resets the run's branch to its pre-run state, or to the commit
// recorded after toStep, then removes the worktree and aborts the run.
func (o *Orchestrator) Rollback(ctx context.Context, runID, toStep string) (*models.RunContext, error) {
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc, err := storage.UnmarshalContext(rec)
	if err != nil {
		return nil, err
	}
	if rc.PreRunSHA == "" {
		return nil, fmt.Errorf("%w: run %s", models.ErrNoPreRunSha, runID)
	}

	target := rc.PreRunSHA
	if toStep != "" {
		sha, ok := rc.StepCommits[toStep]
		if !ok {
			return nil, fmt.Errorf("%w: no commit recorded for step %q", models.ErrInvalidStepName, toStep)
		}
		target = sha
	}

	if err := o.workspace.ResetBranch(ctx, rc, target); err != nil {
		return nil, err
	}
	if err := o.workspace.Teardown(ctx, rc); err != nil {
		return nil, err
	}

	rc.Status = models.StatusAborted
	rc.ErrorMessage = fmt.Sprintf("Rolled back to %s", target)
	rc.CurrentStep = ""
	if err := o.store.UpdateRun(ctx, rc); err != nil {
		return rc, err
	}
	o.logger.Info().Str("run_id", runID).Str("target", target).Msg("run rolled back")
	return rc, nil
}

// finalize settles the final status and persists the context. The
// worktree survives so the operator can inspect or merge the branch.
func (o *Orchestrator) finalize(ctx context.Context, rc *models.RunContext, jrnl *journal.Journal) error {
	if rc.Status == models.StatusRunning {
		rc.Status = models.StatusCompleted
	}
	// Failed and aborted runs keep their step so resume knows where to
	// pick up.
	if rc.Status == models.StatusCompleted {
		rc.CurrentStep = ""
	}
	if jrnl != nil {
		jrnl.LogOutcome(rc)
	}
	// The terminal status must reach the store even when the run was
	// canceled, so the persist ignores the (possibly dead) run context.
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), rc); err != nil {
		return err
	}
	o.logger.Info().Str("run_id", rc.RunID).Str("status", string(rc.Status)).Msg("run finished")
	return nil
}

func (o *Orchestrator) executeSteps(ctx context.Context, rc *models.RunContext, steps pipeline.Pipeline, jrnl *journal.Journal) error {
	for _, step := range steps {
		paused, err := o.store.IsPauseRequested(ctx, rc.RunID)
		if err != nil {
			return err
		}
		if paused {
			if err := o.store.ClearPauseRequest(ctx, rc.RunID); err != nil {
				return err
			}
			rc.Status = models.StatusPaused
			rc.CurrentStep = step.Name
			o.logger.Info().Str("run_id", rc.RunID).Str("step", step.Name).Msg("run paused")
			return nil
		}

		rc.CurrentStep = step.Name
		if err := o.store.UpdateRun(ctx, rc); err != nil {
			return err
		}

		switch step.Type {
		case pipeline.StepDetection:
			if err := o.runDetection(ctx, rc); err != nil {
				return err
			}
		case pipeline.StepAgent:
			done, err := o.runAgentStep(ctx, rc, step, jrnl)
			if err != nil || done {
				return err
			}
		}

		if err := o.store.UpdateRun(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runDetection(ctx context.Context, rc *models.RunContext) error {
	info, err := o.detector(ctx, rc.EffectivePath())
	if err != nil {
		o.logger.Warn().Err(err).Str("run_id", rc.RunID).Msg("project detection failed")
		return nil
	}
	// Explicit settings win over detection.
	rc.Language = detect.Merge(rc.Language, info.Language)
	rc.Framework = detect.Merge(rc.Framework, info.Framework)
	rc.TestRunner = detect.Merge(rc.TestRunner, info.TestRunner)
	rc.TestCommand = detect.Merge(rc.TestCommand, info.TestCommand)
	return nil
}

// runAgentStep executes one agent step end to end: retries, step commit,
// security rework, and the checkpoint gate. done reports that the run
// stopped (failed, aborted, or rejected) and the pipeline must not
// continue.
func (o *Orchestrator) runAgentStep(ctx context.Context, rc *models.RunContext, step pipeline.Step, jrnl *journal.Journal) (done bool, err error) {
	ag, ok := o.agents[step.AgentName]
	if !ok {
		o.logger.Warn().Str("run_id", rc.RunID).Str("agent", step.AgentName).
			Msg("no agent registered for step, skipping")
		return false, nil
	}

	// Agent failures terminate the run through its status, not through an
	// error return; only coordination-store failures propagate.
	if err := o.runAgentWithRetry(ctx, rc, step, ag); err != nil {
		return true, o.store.UpdateRun(ctx, rc)
	}

	if err := o.workspace.CommitStep(ctx, rc, step.Name, false); err != nil {
		o.logger.Warn().Err(err).Str("run_id", rc.RunID).Str("step", step.Name).Msg("step commit failed")
	}
	jrnl.LogStep(rc, step.Name)

	if step.Name == "security" && rc.RequiresRework {
		if err := o.reworkAfterSecurity(ctx, rc, jrnl); err != nil {
			return true, o.store.UpdateRun(ctx, rc)
		}
	}

	if step.CheckpointAfter && o.settings.Pipeline.RequireCheckpoints {
		stopped, err := o.gate(ctx, rc, step, ag, jrnl)
		if err != nil || stopped {
			return true, err
		}
	}
	return false, nil
}

// runAgentWithRetry invokes the agent up to MaxRetries+1 times. On final
// failure the run is marked failed; on context cancellation, aborted.
func (o *Orchestrator) runAgentWithRetry(ctx context.Context, rc *models.RunContext, step pipeline.Step, ag Agent) error {
	attempts := o.settings.Pipeline.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = ag(ctx, rc)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			rc.Status = models.StatusAborted
			rc.ErrorMessage = fmt.Sprintf("Run canceled during %s", step.Name)
			return lastErr
		}
		o.logger.Warn().Err(lastErr).
			Str("run_id", rc.RunID).
			Str("step", step.Name).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("agent attempt failed")
	}

	rc.Status = models.StatusFailed
	rc.ErrorMessage = fmt.Sprintf("Agent %s failed: %v", step.AgentName, lastErr)
	return lastErr
}

// reworkAfterSecurity loops the coder on security findings, then re-runs
// the security agent to confirm. Bounded by MaxRetries cycles.
func (o *Orchestrator) reworkAfterSecurity(ctx context.Context, rc *models.RunContext, jrnl *journal.Journal) error {
	coder, ok := o.agents["coder"]
	securityAgent := o.agents["security"]
	if !ok || securityAgent == nil {
		o.logger.Warn().Str("run_id", rc.RunID).Msg("security rework requested but agents unavailable")
		rc.RequiresRework = false
		return nil
	}

	cycles := o.settings.Pipeline.MaxRetries
	if cycles < 1 {
		cycles = 1
	}
	for i := 0; i < cycles && rc.RequiresRework; i++ {
		o.logger.Info().Str("run_id", rc.RunID).Int("cycle", i+1).
			Str("feedback", rc.SecurityFeedback).Msg("security rework")

		if err := coder(ctx, rc); err != nil {
			rc.Status = models.StatusFailed
			rc.ErrorMessage = fmt.Sprintf("Security rework failed: %v", err)
			return err
		}
		if err := o.workspace.CommitStep(ctx, rc, "coding", true); err != nil {
			o.logger.Warn().Err(err).Str("run_id", rc.RunID).Msg("rework commit failed")
		}
		jrnl.LogStep(rc, "coding")

		rc.RequiresRework = false
		rc.SecurityFeedback = ""
		if err := securityAgent(ctx, rc); err != nil {
			rc.Status = models.StatusFailed
			rc.ErrorMessage = fmt.Sprintf("Security re-check failed: %v", err)
			return err
		}
	}

	if rc.RequiresRework {
		o.logger.Warn().Str("run_id", rc.RunID).Msg("security findings persist after rework")
	}
	return nil
}

// gate runs the checkpoint for a step. stopped reports a rejection.
func (o *Orchestrator) gate(ctx context.Context, rc *models.RunContext, step pipeline.Step, ag Agent, jrnl *journal.Journal) (stopped bool, err error) {
	decision, feedback, err := o.collectDecision(ctx, rc, step)
	if err != nil {
		return true, err
	}
	jrnl.LogCheckpoint(step.Name, decision, feedback)

	switch decision {
	case models.DecisionApprove:
		return false, nil

	case models.DecisionRevise:
		// Feed the reviewer's notes back into the step and run it again.
		// One revision pass; the revised result stands.
		prior := rc.Task.Description
		if feedback != "" {
			rc.Task.Description = prior + "\n\nRevision feedback for " + step.Name + ": " + feedback
		}
		err := o.runAgentWithRetry(ctx, rc, step, ag)
		rc.Task.Description = prior
		if err != nil {
			return true, o.store.UpdateRun(ctx, rc)
		}
		if err := o.workspace.CommitStep(ctx, rc, step.Name, true); err != nil {
			o.logger.Warn().Err(err).Str("run_id", rc.RunID).Str("step", step.Name).Msg("revision commit failed")
		}
		jrnl.LogStep(rc, step.Name)
		return false, nil

	case models.DecisionReject:
		rc.Status = models.StatusAborted
		rc.ErrorMessage = fmt.Sprintf("Rejected at %s checkpoint", step.Name)
		if feedback != "" {
			rc.ErrorMessage += ": " + feedback
		}
		return true, nil

	default:
		return true, fmt.Errorf("unknown checkpoint decision %q for step %s", decision, step.Name)
	}
}

// collectDecision gathers a checkpoint decision either interactively or by
// publishing a request and polling storage until someone decides.
func (o *Orchestrator) collectDecision(ctx context.Context, rc *models.RunContext, step pipeline.Step) (models.Decision, string, error) {
	if !o.headless && o.prompter != nil {
		return o.prompter.Decide(step.Name, rc)
	}

	display, err := json.Marshal(checkpoint.BuildDisplayData(step.Name, rc))
	if err != nil {
		return "", "", fmt.Errorf("build checkpoint display: %w", err)
	}
	reqID, err := o.store.CreateCheckpointRequest(ctx, rc.RunID, step.Name, string(display))
	if err != nil {
		return "", "", err
	}

	rc.Status = models.StatusWaitingForInput
	if err := o.store.UpdateRun(ctx, rc); err != nil {
		return "", "", err
	}
	o.logger.Info().Str("run_id", rc.RunID).Str("step", step.Name).
		Int64("request_id", reqID).Msg("waiting for checkpoint decision")

	ticker := time.NewTicker(o.settings.Pipeline.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rc.Status = models.StatusAborted
			rc.ErrorMessage = fmt.Sprintf("Run canceled waiting for %s checkpoint", step.Name)
			return "", "", ctx.Err()
		case <-ticker.C:
		}

		req, err := o.store.GetCheckpoint(ctx, reqID)
		if err != nil {
			return "", "", err
		}
		if req.Status != "decided" {
			continue
		}

		rc.Status = models.StatusRunning
		if err := o.store.UpdateRun(ctx, rc); err != nil {
			return "", "", err
		}
		return models.Decision(req.Decision), req.Feedback, nil
	}
}

// resolveBranchNaming turns a configured convention, possibly written in
// natural language, into a placeholder template.
func resolveBranchNaming(configured string) string {
	if configured == "" {
		return workspace.DefaultConvention
	}
	return workspace.NormalizeConvention(configured)
}

// Steps exposes the pipeline step names for CLI validation and display.
func (o *Orchestrator) Steps() []string {
	return o.pipeline.Names()
}
