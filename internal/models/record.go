package models

import "time"

// RunRecord is the persisted projection of a RunContext, one row per run.
// ContextJSON carries the full serialized context; the scalar columns exist
// for listing and filtering without deserializing it.
type RunRecord struct {
	RunID           string
	TaskTitle       string
	TaskDescription string
	ProjectPath     string
	Status          RunStatus
	CurrentStep     string
	Language        string
	Framework       string
	TestRunner      string
	ErrorMessage    string
	ContextJSON     string
	TotalCostUSD    float64
	InputTokens     int
	OutputTokens    int
	StartedAt       time.Time
	UpdatedAt       time.Time
	PID             int
	TicketNumber    *int
	PauseRequested  bool
}

// CheckpointRequest is one pending or decided approval gate, keyed by
// (run_id, step_name).
type CheckpointRequest struct {
	ID          int64
	RunID       string
	StepName    string
	DisplayJSON string
	Status      string // "pending" or "decided"
	Decision    string
	Feedback    string
	CreatedAt   time.Time
	DecidedAt   *time.Time
}
