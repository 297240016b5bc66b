package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

func TestParseOutput(t *testing.T) {
	raw := []byte(`{
		"session_id": "sess-123",
		"result": "wrote the plan",
		"total_cost_usd": 0.42,
		"usage": {"input_tokens": 1000, "output_tokens": 250}
	}`)

	res := parseOutput(raw, 0)
	require.Equal(t, "sess-123", res.SessionID)
	require.Equal(t, "wrote the plan", res.Output)
	require.Equal(t, 0.42, res.Usage.CostUSD)
	require.Equal(t, 1000, res.Usage.InputTokens)
	require.Equal(t, 250, res.Usage.OutputTokens)
}

func TestParseOutputNotJSON(t *testing.T) {
	res := parseOutput([]byte("fatal: something broke\n"), 1)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "fatal: something broke", res.Output)
	require.Empty(t, res.SessionID)
}

func TestBuildPromptBasics(t *testing.T) {
	rc := models.NewRunContext(models.Task{
		Title:       "Add OAuth Support",
		Description: "Google and GitHub providers.",
	}, "/tmp/project")
	rc.Language = "go"
	rc.TestCommand = "go test ./..."

	prompt := BuildPrompt("requirements", rc)
	require.Contains(t, prompt, "Task: Add OAuth Support")
	require.Contains(t, prompt, "Google and GitHub providers.")
	require.Contains(t, prompt, "language: go")
	require.Contains(t, prompt, "test command: go test ./...")
	require.Contains(t, prompt, "acceptance criteria")
}

func TestBuildPromptCarriesPriorOutputs(t *testing.T) {
	rc := models.NewRunContext(models.Task{Title: "feature"}, "/tmp/project")
	rc.Outputs = map[string]any{
		"requirements": "REQ-1 must authenticate",
		"planning":     "change auth.go",
	}

	coding := BuildPrompt("coding", rc)
	require.Contains(t, coding, "REQ-1 must authenticate")
	require.Contains(t, coding, "change auth.go")

	// The planning step must not see its own (or later) output.
	planning := BuildPrompt("planning", rc)
	require.Contains(t, planning, "REQ-1 must authenticate")
	require.NotContains(t, planning, "change auth.go")
}

func TestBuildPromptSecurityRework(t *testing.T) {
	rc := models.NewRunContext(models.Task{Title: "feature"}, "/tmp/project")
	rc.RequiresRework = true
	rc.SecurityFeedback = "SQL injection in search handler"

	coding := BuildPrompt("coding", rc)
	require.Contains(t, coding, "SQL injection in search handler")

	review := BuildPrompt("review", rc)
	require.NotContains(t, review, "SQL injection in search handler")
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner("", "", 0)
	require.Equal(t, "claude", r.executable)
	require.Equal(t, 10, r.maxTurns)
}
