package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// initTestRepo creates a git repository with one commit and returns its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial commit")

	return dir
}

func newGitManager(t *testing.T, required bool) *GitManager {
	t.Helper()
	return NewGitManager(Options{
		WorktreesDir: filepath.Join(t.TempDir(), "worktrees"),
		Enabled:      true,
		Required:     required,
	})
}

func TestCreateWorkspace(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "Add OAuth Support"}, repo)
	rc.BranchNaming = "feature/{task_title}"

	require.NoError(t, m.Create(ctx, rc))
	require.NotEmpty(t, rc.PreRunSHA)
	require.Equal(t, m.WorktreePath(rc.RunID), rc.WorktreePath)
	require.DirExists(t, rc.WorktreePath)

	// Worktree is checked out on the templated branch.
	branch, err := git(ctx, rc.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Equal(t, "feature/add-oauth-support", branch)

	// The main repository stays on its original branch.
	branch, err = git(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestCreateWorkspaceStaleCleanup(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "stale"}, repo)

	// Plant a leftover directory at the target path.
	stale := m.WorktreePath(rc.RunID)
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "leftover.txt"), []byte("junk"), 0644))

	require.NoError(t, m.Create(ctx, rc))
	require.NoFileExists(t, filepath.Join(rc.WorktreePath, "leftover.txt"))
	require.FileExists(t, filepath.Join(rc.WorktreePath, "README.md"))
}

func TestCreateWorkspaceNotARepo(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "no repo"}, t.TempDir())

	// Required: creation failure is fatal.
	required := newGitManager(t, true)
	require.Error(t, required.Create(ctx, rc))

	// Optional: the run degrades to the project path.
	optional := newGitManager(t, false)
	require.NoError(t, optional.Create(ctx, rc))
	require.Empty(t, rc.WorktreePath)
	require.Equal(t, rc.ProjectPath, rc.EffectivePath())
}

func TestCreateWorkspaceDisabled(t *testing.T) {
	m := NewGitManager(Options{Enabled: false})
	rc := models.NewRunContext(models.Task{Title: "noop"}, t.TempDir())

	require.NoError(t, m.Create(context.Background(), rc))
	require.Empty(t, rc.WorktreePath)
	require.Empty(t, rc.PreRunSHA)
}

func TestCommitStep(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "Add feature"}, repo)
	require.NoError(t, m.Create(ctx, rc))

	// No changes: no commit recorded.
	require.NoError(t, m.CommitStep(ctx, rc, "planning", false))
	require.NotContains(t, rc.StepCommits, "planning")

	require.NoError(t, os.WriteFile(filepath.Join(rc.WorktreePath, "feature.go"), []byte("package feature\n"), 0644))
	require.NoError(t, m.CommitStep(ctx, rc, "coding", false))
	require.Contains(t, rc.StepCommits, "coding")

	msg, err := git(ctx, rc.WorktreePath, "log", "-1", "--format=%B")
	require.NoError(t, err)
	require.Contains(t, msg, "levelup(coding): Add feature")
	require.Contains(t, msg, "Run ID: "+rc.RunID)

	// Revised commits carry the marker.
	require.NoError(t, os.WriteFile(filepath.Join(rc.WorktreePath, "feature.go"), []byte("package feature // v2\n"), 0644))
	require.NoError(t, m.CommitStep(ctx, rc, "coding", true))
	msg, err = git(ctx, rc.WorktreePath, "log", "-1", "--format=%B")
	require.NoError(t, err)
	require.Contains(t, msg, "levelup(coding, revised): Add feature")
}

func TestTeardownLeavesBranch(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "teardown"}, repo)
	require.NoError(t, m.Create(ctx, rc))
	branch := BuildBranchName(rc.BranchNaming, rc)
	worktree := rc.WorktreePath

	require.NoError(t, m.Teardown(ctx, rc))
	require.NoDirExists(t, worktree)
	require.Empty(t, rc.WorktreePath)

	// Branch persists for inspection or merge.
	_, err := git(ctx, repo, "rev-parse", "--verify", "refs/heads/"+branch)
	require.NoError(t, err)

	// Teardown is a no-op once the worktree is gone.
	require.NoError(t, m.Teardown(ctx, rc))
}

func TestReattach(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "resume me"}, repo)
	require.NoError(t, m.Create(ctx, rc))
	require.NoError(t, os.WriteFile(filepath.Join(rc.WorktreePath, "work.txt"), []byte("progress"), 0644))
	require.NoError(t, m.CommitStep(ctx, rc, "coding", false))

	require.NoError(t, m.Teardown(ctx, rc))

	// Reattach recreates the worktree on the surviving branch with the
	// committed work intact.
	require.NoError(t, m.Reattach(ctx, rc))
	require.DirExists(t, rc.WorktreePath)
	require.FileExists(t, filepath.Join(rc.WorktreePath, "work.txt"))
}

func TestReattachBranchMissing(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "gone"}, repo)
	require.NoError(t, m.Create(ctx, rc))
	branch := BuildBranchName(rc.BranchNaming, rc)
	require.NoError(t, m.Teardown(ctx, rc))

	_, err := git(ctx, repo, "branch", "-D", branch)
	require.NoError(t, err)

	err = m.Reattach(ctx, rc)
	require.ErrorIs(t, err, models.ErrBranchMissing)
}

func TestResetBranch(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	rc := models.NewRunContext(models.Task{Title: "rollback"}, repo)
	require.NoError(t, m.Create(ctx, rc))

	require.NoError(t, os.WriteFile(filepath.Join(rc.WorktreePath, "new.txt"), []byte("change"), 0644))
	require.NoError(t, m.CommitStep(ctx, rc, "coding", false))
	require.NotEqual(t, rc.PreRunSHA, rc.StepCommits["coding"])

	require.NoError(t, m.ResetBranch(ctx, rc, rc.PreRunSHA))

	head, err := git(ctx, rc.WorktreePath, "rev-parse", "HEAD")
	require.NoError(t, err)
	require.Equal(t, rc.PreRunSHA, head)
	require.NoFileExists(t, filepath.Join(rc.WorktreePath, "new.txt"))
}

func TestConcurrentWorkspaces(t *testing.T) {
	requireGit(t)
	repo := initTestRepo(t)
	m := newGitManager(t, true)
	ctx := context.Background()

	const n = 4
	contexts := make([]*models.RunContext, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		contexts[i] = models.NewRunContext(models.Task{Title: "concurrent run"}, repo)
		go func(rc *models.RunContext) {
			errCh <- m.Create(ctx, rc)
		}(contexts[i])
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	seenPaths := map[string]bool{}
	seenBranches := map[string]bool{}
	for _, rc := range contexts {
		require.DirExists(t, rc.WorktreePath)
		require.False(t, seenPaths[rc.WorktreePath], "worktree paths must be distinct")
		seenPaths[rc.WorktreePath] = true

		branch, err := git(ctx, rc.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD")
		require.NoError(t, err)
		require.False(t, seenBranches[branch], "branches must be distinct")
		seenBranches[branch] = true
	}

	// Main repository is untouched.
	branch, err := git(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	require.Equal(t, "main", branch)
	status, err := git(ctx, repo, "status", "--porcelain")
	require.NoError(t, err)
	require.Empty(t, status)
}
