// Package agent shells out to the claude CLI to execute a pipeline step
// inside the run's workspace.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
)

// Result is the parsed outcome of one agent invocation.
type Result struct {
	SessionID string
	Output    string
	Usage     models.StepUsage
	ExitCode  int
}

// Runner invokes the agent CLI. The zero value is not usable; construct
// with NewRunner.
type Runner struct {
	executable string
	model      string
	maxTurns   int
	logger     zerolog.Logger
}

// NewRunner builds a runner for the given CLI executable. model may be
// empty to use the CLI's default.
func NewRunner(executable, model string, maxTurns int) *Runner {
	if executable == "" {
		executable = "claude"
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &Runner{
		executable: executable,
		model:      model,
		maxTurns:   maxTurns,
		logger:     logging.Component("agent"),
	}
}

// Run executes the named agent with the given prompt in the run's
// effective path. Output and token usage are recorded on the context
// under stepName.
func (r *Runner) Run(ctx context.Context, rc *models.RunContext, stepName, agentName, prompt string) (Result, error) {
	args := []string{
		"-p", prompt,
		"--output-format", "json",
		"--max-turns", strconv.Itoa(r.maxTurns),
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if agentName != "" {
		args = append([]string{"--agent", agentName}, args...)
	}

	cmd := exec.CommandContext(ctx, r.executable, args...)
	cmd.Dir = rc.EffectivePath()

	r.logger.Debug().
		Str("run_id", rc.RunID).
		Str("agent", agentName).
		Str("dir", cmd.Dir).
		Msg("invoking agent")

	output, err := cmd.Output()
	res := Result{ExitCode: 0}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return res, fmt.Errorf("run agent %s: %w", agentName, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	res = parseOutput(output, res.ExitCode)
	rc.RecordUsage(stepName, res.Usage)
	if res.Output != "" {
		if rc.Outputs == nil {
			rc.Outputs = map[string]any{}
		}
		rc.Outputs[stepName] = res.Output
	}

	if res.ExitCode != 0 {
		return res, fmt.Errorf("agent %s exited with code %d: %s",
			agentName, res.ExitCode, firstLine(res.Output))
	}
	return res, nil
}

// parseOutput extracts session and usage data from the CLI's JSON output.
// Unparseable output is kept verbatim so failures stay diagnosable.
func parseOutput(output []byte, exitCode int) Result {
	res := Result{ExitCode: exitCode}

	var payload struct {
		SessionID    string  `json:"session_id"`
		Result       string  `json:"result"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		Usage        struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		res.Output = strings.TrimSpace(string(output))
		return res
	}

	res.SessionID = payload.SessionID
	res.Output = payload.Result
	res.Usage = models.StepUsage{
		CostUSD:      payload.TotalCostUSD,
		InputTokens:  payload.Usage.InputTokens,
		OutputTokens: payload.Usage.OutputTokens,
	}
	return res
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
