// Package workspace isolates each pipeline run in its own git worktree and
// branch so concurrent runs never touch the user's working tree or each
// other.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
)

// Manager is the workspace isolation contract. The git implementation
// shells out to the git binary; tests substitute a fake.
type Manager interface {
	// Create makes a fresh worktree and branch for the run and records
	// pre_run_sha and worktree_path on the context. No-op when isolation
	// is disabled.
	Create(ctx context.Context, rc *models.RunContext) error

	// Reattach connects a resumed run back to its existing branch,
	// recreating the worktree if it was removed. Fails if the branch is
	// gone.
	Reattach(ctx context.Context, rc *models.RunContext) error

	// CommitStep stages and commits the run's changes for one step,
	// recording the commit hash in the context. No-op when there is
	// nothing to commit.
	CommitStep(ctx context.Context, rc *models.RunContext, stepName string, revised bool) error

	// Teardown removes the worktree directory. The branch always
	// persists in the main repository.
	Teardown(ctx context.Context, rc *models.RunContext) error

	// ResetBranch hard-resets the run's branch to the given commit.
	ResetBranch(ctx context.Context, rc *models.RunContext, sha string) error
}

// GitManager implements Manager against the git binary.
type GitManager struct {
	worktreesDir string
	enabled      bool
	required     bool
	logger       zerolog.Logger
}

// Options configure a GitManager.
type Options struct {
	// WorktreesDir is the base directory for per-run worktrees.
	WorktreesDir string

	// Enabled turns isolation on. When false every operation is a no-op
	// and runs execute directly against the project path.
	Enabled bool

	// Required makes creation failures fatal to the run instead of
	// degrading to the project path.
	Required bool
}

func NewGitManager(opts Options) *GitManager {
	return &GitManager{
		worktreesDir: opts.WorktreesDir,
		enabled:      opts.Enabled,
		required:     opts.Required,
		logger:       logging.Component("workspace"),
	}
}

// WorktreePath is the well-known per-run worktree location.
func (m *GitManager) WorktreePath(runID string) string {
	return filepath.Join(m.worktreesDir, runID)
}

func (m *GitManager) Create(ctx context.Context, rc *models.RunContext) error {
	if !m.enabled {
		return nil
	}

	err := m.create(ctx, rc)
	if err == nil {
		return nil
	}
	if m.required {
		return fmt.Errorf("workspace creation failed: %w", err)
	}
	m.logger.Warn().Err(err).Str("run_id", rc.RunID).
		Msg("workspace creation failed, continuing without isolation")
	return nil
}

func (m *GitManager) create(ctx context.Context, rc *models.RunContext) error {
	projectPath, err := filepath.Abs(rc.ProjectPath)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	if _, err := git(ctx, projectPath, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("%w: %s", models.ErrNotGitRepository, projectPath)
	}

	preSHA, err := git(ctx, projectPath, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	branch := BuildBranchName(rc.BranchNaming, rc)
	worktreeDir := m.WorktreePath(rc.RunID)

	if err := os.MkdirAll(filepath.Dir(worktreeDir), 0755); err != nil {
		return fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	m.removeStale(ctx, projectPath, worktreeDir)

	if out, err := git(ctx, projectPath, "worktree", "add", worktreeDir, "-b", branch); err != nil {
		return fmt.Errorf("failed to create worktree: %s", out)
	}

	rc.PreRunSHA = preSHA
	rc.WorktreePath = worktreeDir
	m.logger.Info().Str("run_id", rc.RunID).Str("branch", branch).
		Str("worktree", worktreeDir).Msg("created isolated workspace")
	return nil
}

func (m *GitManager) Reattach(ctx context.Context, rc *models.RunContext) error {
	if !m.enabled || rc.PreRunSHA == "" {
		return nil
	}

	if rc.WorktreePath != "" {
		if _, err := os.Stat(rc.WorktreePath); err == nil {
			return nil
		}
	}

	projectPath, err := filepath.Abs(rc.ProjectPath)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	branch := BuildBranchName(rc.BranchNaming, rc)
	if _, err := git(ctx, projectPath, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		return fmt.Errorf("%w: %s", models.ErrBranchMissing, branch)
	}

	worktreeDir := m.WorktreePath(rc.RunID)
	if err := os.MkdirAll(filepath.Dir(worktreeDir), 0755); err != nil {
		return fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	m.removeStale(ctx, projectPath, worktreeDir)

	if out, err := git(ctx, projectPath, "worktree", "add", worktreeDir, branch); err != nil {
		return fmt.Errorf("failed to re-attach worktree: %s", out)
	}

	rc.WorktreePath = worktreeDir
	m.logger.Info().Str("run_id", rc.RunID).Str("branch", branch).Msg("re-attached worktree")
	return nil
}

func (m *GitManager) CommitStep(ctx context.Context, rc *models.RunContext, stepName string, revised bool) error {
	if !m.enabled || rc.PreRunSHA == "" {
		return nil
	}

	workDir := rc.EffectivePath()
	if _, err := git(ctx, workDir, "add", "-A"); err != nil {
		m.logger.Warn().Err(err).Str("step", stepName).Msg("failed to stage step changes")
		return nil
	}

	// Exit status 0 means nothing is staged.
	if _, err := git(ctx, workDir, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}

	suffix := ""
	if revised {
		suffix = ", revised"
	}
	message := fmt.Sprintf("levelup(%s%s): %s\n\nRun ID: %s", stepName, suffix, rc.Task.Title, rc.RunID)
	if out, err := git(ctx, workDir, "commit", "-m", message); err != nil {
		m.logger.Warn().Str("step", stepName).Str("output", out).Msg("failed to create step commit")
		return nil
	}

	sha, err := git(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return nil
	}
	if rc.StepCommits == nil {
		rc.StepCommits = map[string]string{}
	}
	rc.StepCommits[stepName] = sha
	return nil
}

func (m *GitManager) Teardown(ctx context.Context, rc *models.RunContext) error {
	if rc.WorktreePath == "" {
		return nil
	}
	if _, err := os.Stat(rc.WorktreePath); os.IsNotExist(err) {
		rc.WorktreePath = ""
		return nil
	}

	projectPath, err := filepath.Abs(rc.ProjectPath)
	if err != nil {
		projectPath = rc.ProjectPath
	}

	if out, err := git(ctx, projectPath, "worktree", "remove", "--force", rc.WorktreePath); err != nil {
		m.logger.Warn().Str("output", out).Msg("git worktree remove failed, deleting directory")
		// Residual locks are tolerated; leftover files are cleaned up on
		// the next run with the same ID.
		os.RemoveAll(rc.WorktreePath)
	}
	rc.WorktreePath = ""
	return nil
}

func (m *GitManager) ResetBranch(ctx context.Context, rc *models.RunContext, sha string) error {
	if rc.WorktreePath != "" {
		if _, err := os.Stat(rc.WorktreePath); err == nil {
			if out, err := git(ctx, rc.WorktreePath, "reset", "--hard", sha); err != nil {
				return fmt.Errorf("git reset failed: %s", out)
			}
			return nil
		}
	}

	projectPath, err := filepath.Abs(rc.ProjectPath)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}
	branch := BuildBranchName(rc.BranchNaming, rc)
	if out, err := git(ctx, projectPath, "branch", "-f", branch, sha); err != nil {
		return fmt.Errorf("failed to move branch %s: %s", branch, out)
	}
	return nil
}

// removeStale clears a leftover directory at the worktree path from a prior
// run that was not cleanly removed.
func (m *GitManager) removeStale(ctx context.Context, projectPath, worktreeDir string) {
	if _, err := os.Stat(worktreeDir); os.IsNotExist(err) {
		return
	}
	if _, err := git(ctx, projectPath, "worktree", "remove", "--force", worktreeDir); err != nil {
		os.RemoveAll(worktreeDir)
	}
	// Worktree metadata can linger after a manual delete.
	git(ctx, projectPath, "worktree", "prune")
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
