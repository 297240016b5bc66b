// Package storage is the durable coordination store shared by every levelup
// process: run records, checkpoint requests, and pause flags in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
)

type Storage struct {
	db     *sql.DB
	logger zerolog.Logger
}

// activeStatuses are the non-terminal statuses considered by active-run
// lookups.
const activeStatuses = "'pending', 'running', 'waiting_for_input', 'paused'"

// ownedStatuses are the statuses that require a live owning process. A
// paused run has legitimately stopped and is excluded.
const ownedStatuses = "'pending', 'running', 'waiting_for_input'"

func New(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db, logger: logging.Component("storage")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		task_title TEXT NOT NULL,
		task_description TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		current_step TEXT,
		language TEXT,
		framework TEXT,
		test_runner TEXT,
		error_message TEXT,
		context_json TEXT,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		pid INTEGER,
		ticket_number INTEGER,
		pause_requested INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS checkpoint_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		step_name TEXT NOT NULL,
		display_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		decision TEXT,
		feedback TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		decided_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(project_path, ticket_number);
	CREATE INDEX IF NOT EXISTS idx_cp_pending ON checkpoint_requests(run_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RegisterRun inserts a new run record for a freshly created context. The
// owning process ID is recorded for dead-run detection.
func (s *Storage) RegisterRun(ctx context.Context, rc *models.RunContext) error {
	var ticket *int
	if n, ok := rc.TicketNumber(); ok {
		ticket = &n
	}

	contextJSON, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to serialize run context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, task_title, task_description, project_path, status,
		                   current_step, language, framework, test_runner, context_json,
		                   started_at, updated_at, pid, ticket_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.RunID, rc.Task.Title, rc.Task.Description, rc.ProjectPath, string(rc.Status),
		nullable(rc.CurrentStep), nullable(rc.Language), nullable(rc.Framework),
		nullable(rc.TestRunner), string(contextJSON),
		rc.StartedAt.UTC().Format(time.RFC3339Nano), nowUTC(), os.Getpid(), ticket,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", models.ErrDuplicateRun, rc.RunID)
		}
		return fmt.Errorf("failed to register run: %w", err)
	}
	return nil
}

// UpdateRun persists the full serialized context plus the derived scalar
// columns. Safe to call repeatedly with identical data.
func (s *Storage) UpdateRun(ctx context.Context, rc *models.RunContext) error {
	contextJSON, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to serialize run context: %w", err)
	}

	var inputTokens, outputTokens int
	for _, usage := range rc.StepUsage {
		inputTokens += usage.InputTokens
		outputTokens += usage.OutputTokens
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step = ?, language = ?, framework = ?,
		                 test_runner = ?, error_message = ?, context_json = ?,
		                 total_cost_usd = ?, input_tokens = ?, output_tokens = ?, updated_at = ?
		 WHERE run_id = ?`,
		string(rc.Status), nullable(rc.CurrentStep), nullable(rc.Language),
		nullable(rc.Framework), nullable(rc.TestRunner), nullable(rc.ErrorMessage),
		string(contextJSON), rc.TotalCostUSD, inputTokens, outputTokens, nowUTC(),
		rc.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, rc.RunID)
	}
	return nil
}

func (s *Storage) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	return rec, err
}

// ListRuns returns runs most-recent-first, optionally filtered by status.
func (s *Storage) ListRuns(ctx context.Context, statusFilter string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if statusFilter != "" {
		rows, err = s.db.QueryContext(ctx,
			selectRuns+` WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, statusFilter, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectRuns+` ORDER BY updated_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its checkpoint requests atomically.
func (s *Storage) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_requests WHERE run_id = ?`, runID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}

	return tx.Commit()
}

// GetRunForTicket returns the most recent run for a project + ticket number.
func (s *Storage) GetRunForTicket(ctx context.Context, projectPath string, ticketNumber int) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+` WHERE project_path = ? AND ticket_number = ?
		 ORDER BY updated_at DESC LIMIT 1`, projectPath, ticketNumber)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// HasActiveRunForTicket returns a non-terminal run for the ticket, or nil.
func (s *Storage) HasActiveRunForTicket(ctx context.Context, projectPath string, ticketNumber int) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+` WHERE project_path = ? AND ticket_number = ?
		   AND status IN (`+activeStatuses+`)
		 ORDER BY updated_at DESC LIMIT 1`, projectPath, ticketNumber)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// CreateCheckpointRequest records a pending approval gate for (run, step)
// and returns the request ID. At most one undecided request may exist per
// (run, step): a stale pending row left by a killed run is reused, so a
// decision made against the listed ID still reaches the current poller.
func (s *Storage) CreateCheckpointRequest(ctx context.Context, runID, stepName, displayJSON string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create checkpoint request: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM checkpoint_requests
		 WHERE run_id = ? AND step_name = ? AND status = 'pending'`,
		runID, stepName,
	).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE checkpoint_requests SET display_json = ?, created_at = ? WHERE id = ?`,
			nullable(displayJSON), nowUTC(), id,
		); err != nil {
			return 0, fmt.Errorf("failed to refresh checkpoint request: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_requests (run_id, step_name, display_json, status, created_at)
			 VALUES (?, ?, ?, 'pending', ?)`,
			runID, stepName, nullable(displayJSON), nowUTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to create checkpoint request: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("failed to create checkpoint request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to create checkpoint request: %w", err)
	}
	return id, nil
}

// GetPendingCheckpoints returns all undecided requests across runs, oldest
// first.
func (s *Storage) GetPendingCheckpoints(ctx context.Context) ([]*models.CheckpointRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, display_json, status, decision, feedback, created_at, decided_at
		 FROM checkpoint_requests WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*models.CheckpointRequest
	for rows.Next() {
		req, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// GetCheckpoint returns a single request by ID; pollers use it to watch
// their own request rather than the latest decision for the pair.
func (s *Storage) GetCheckpoint(ctx context.Context, requestID int64) (*models.CheckpointRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_name, display_json, status, decision, feedback, created_at, decided_at
		 FROM checkpoint_requests WHERE id = ?`, requestID)
	req, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrCheckpointNotFound, requestID)
	}
	return req, err
}

// SubmitCheckpointDecision marks a pending request as decided. A request can
// be decided exactly once; a second submission fails with
// ErrCheckpointDecided rather than overwriting a decision a poller may have
// already observed.
func (s *Storage) SubmitCheckpointDecision(ctx context.Context, requestID int64, decision models.Decision, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_requests
		 SET status = 'decided', decision = ?, feedback = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(decision), feedback, nowUTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("failed to submit decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM checkpoint_requests WHERE id = ?`, requestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", models.ErrCheckpointNotFound, requestID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", models.ErrCheckpointDecided, requestID)
	}
	return nil
}

// GetCheckpointDecision returns the decision for the latest decided request
// of (run, step), or ok=false while the request is still pending.
func (s *Storage) GetCheckpointDecision(ctx context.Context, runID, stepName string) (models.Decision, string, bool, error) {
	var decision, feedback string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision, feedback FROM checkpoint_requests
		 WHERE run_id = ? AND step_name = ? AND status = 'decided'
		 ORDER BY decided_at DESC, id DESC LIMIT 1`,
		runID, stepName).Scan(&decision, &feedback)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return models.Decision(decision), feedback, true, nil
}

// RequestPause sets the cooperative pause flag for a run.
func (s *Storage) RequestPause(ctx context.Context, runID string) error {
	return s.setPause(ctx, runID, 1)
}

// ClearPauseRequest clears the pause flag.
func (s *Storage) ClearPauseRequest(ctx context.Context, runID string) error {
	return s.setPause(ctx, runID, 0)
}

func (s *Storage) setPause(ctx context.Context, runID string, value int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pause_requested = ?, updated_at = ? WHERE run_id = ?`,
		value, nowUTC(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
	}
	return nil
}

// IsPauseRequested reports the pause flag; unknown runs read as false.
func (s *Storage) IsPauseRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT pause_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// MarkDeadRuns finds active runs whose owning process no longer exists and
// flips them to failed. Each flip is guarded by the status predicate so a
// concurrent UpdateRun from a live process is never clobbered. Returns how
// many runs were changed.
func (s *Storage) MarkDeadRuns(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pid FROM runs WHERE status IN (`+ownedStatuses+`)`)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		runID string
		pid   int
	}
	var dead []candidate
	for rows.Next() {
		var c candidate
		var pid sql.NullInt64
		if err := rows.Scan(&c.runID, &pid); err != nil {
			rows.Close()
			return 0, err
		}
		if pid.Valid {
			c.pid = int(pid.Int64)
		}
		if !pidAlive(c.pid) {
			dead = append(dead, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, c := range dead {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = 'failed', error_message = ?, updated_at = ?
			 WHERE run_id = ? AND status IN (`+ownedStatuses+`)`,
			models.ProcessDiedMessage, nowUTC(), c.runID)
		if err != nil {
			return count, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Warn().Str("run_id", c.runID).Int("pid", c.pid).Msg("marked dead run as failed")
			count++
		}
	}
	return count, nil
}

const selectRuns = `SELECT run_id, task_title, task_description, project_path, status,
	current_step, language, framework, test_runner, error_message, context_json,
	total_cost_usd, input_tokens, output_tokens, started_at, updated_at, pid,
	ticket_number, pause_requested
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var rec models.RunRecord
	var currentStep, language, framework, testRunner, errorMessage, contextJSON sql.NullString
	var startedAt, updatedAt string
	var pid, ticketNumber sql.NullInt64
	var pauseRequested int
	var status string

	err := row.Scan(
		&rec.RunID, &rec.TaskTitle, &rec.TaskDescription, &rec.ProjectPath, &status,
		&currentStep, &language, &framework, &testRunner, &errorMessage, &contextJSON,
		&rec.TotalCostUSD, &rec.InputTokens, &rec.OutputTokens, &startedAt, &updatedAt,
		&pid, &ticketNumber, &pauseRequested,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = models.RunStatus(status)
	rec.CurrentStep = currentStep.String
	rec.Language = language.String
	rec.Framework = framework.String
	rec.TestRunner = testRunner.String
	rec.ErrorMessage = errorMessage.String
	rec.ContextJSON = contextJSON.String
	rec.PauseRequested = pauseRequested != 0
	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	if ticketNumber.Valid {
		n := int(ticketNumber.Int64)
		rec.TicketNumber = &n
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		rec.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}

func scanCheckpoint(row scanner) (*models.CheckpointRequest, error) {
	var req models.CheckpointRequest
	var displayJSON, decision, decidedAt sql.NullString
	var createdAt string

	err := row.Scan(&req.ID, &req.RunID, &req.StepName, &displayJSON, &req.Status,
		&decision, &req.Feedback, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	req.DisplayJSON = displayJSON.String
	req.Decision = decision.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		req.CreatedAt = t
	}
	if decidedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, decidedAt.String); err == nil {
			req.DecidedAt = &t
		}
	}

	return &req, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UnmarshalContext rebuilds the full run context from a record's blob.
func UnmarshalContext(rec *models.RunRecord) (*models.RunContext, error) {
	if rec.ContextJSON == "" {
		return nil, fmt.Errorf("%w: %s", models.ErrNoSavedContext, rec.RunID)
	}
	var rc models.RunContext
	if err := json.Unmarshal([]byte(rec.ContextJSON), &rc); err != nil {
		return nil, fmt.Errorf("failed to deserialize run context: %w", err)
	}
	return &rc, nil
}
