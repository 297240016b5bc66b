package models

import "errors"

// Coordination and lifecycle errors surfaced to callers.
var (
	// Run errors
	ErrDuplicateRun   = errors.New("run already exists")
	ErrRunNotFound    = errors.New("run not found")
	ErrNoSavedContext = errors.New("run has no saved context")

	// Resume/rollback errors
	ErrNoResumePoint   = errors.New("no step to resume from")
	ErrInvalidStepName = errors.New("unknown pipeline step")
	ErrNoPreRunSha     = errors.New("no pre-run SHA recorded for this run")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint request not found")
	ErrCheckpointDecided  = errors.New("checkpoint request already decided")

	// Workspace errors
	ErrNotGitRepository = errors.New("project path is not a git repository")
	ErrBranchMissing    = errors.New("run branch no longer exists")
)

// ProcessDiedMessage is the fixed error message assigned to runs whose
// owning process is gone.
const ProcessDiedMessage = "Process died"
