package checkpoint

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

func TestBuildDisplayData(t *testing.T) {
	rc := models.NewRunContext(models.Task{
		Title:       "Add OAuth Support",
		Description: "Support Google providers.",
	}, "/tmp/project")
	rc.Outputs = map[string]any{"requirements": "gathered requirements"}
	rc.RecordUsage("requirements", models.StepUsage{CostUSD: 0.5})

	data := BuildDisplayData("requirements", rc)
	require.Equal(t, rc.RunID, data["run_id"])
	require.Equal(t, "requirements", data["step"])
	require.Equal(t, "Add OAuth Support", data["task_title"])
	require.Equal(t, "gathered requirements", data["output"])
	require.Equal(t, 0.5, data["cost_usd"])
	require.NotContains(t, data, "security_feedback")
}

func TestBuildDisplayDataSecurityFeedback(t *testing.T) {
	rc := models.NewRunContext(models.Task{Title: "x"}, "/tmp/project")
	rc.SecurityFeedback = "fix the injection"

	data := BuildDisplayData("security", rc)
	require.Equal(t, "fix the injection", data["security_feedback"])

	data = BuildDisplayData("review", rc)
	require.NotContains(t, data, "security_feedback")
}

func TestTerminalPrompterApprove(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("a\n"), Out: &out}
	rc := models.NewRunContext(models.Task{Title: "approve me"}, "/tmp/project")

	decision, feedback, err := p.Decide("review", rc)
	require.NoError(t, err)
	require.Equal(t, models.DecisionApprove, decision)
	require.Empty(t, feedback)
	require.Contains(t, out.String(), "Checkpoint: review")
}

func TestTerminalPrompterReviseWithFeedback(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("revise\nmore tests please\n"), Out: &out}
	rc := models.NewRunContext(models.Task{Title: "revise me"}, "/tmp/project")

	decision, feedback, err := p.Decide("test_writing", rc)
	require.NoError(t, err)
	require.Equal(t, models.DecisionRevise, decision)
	require.Equal(t, "more tests please", feedback)
}

func TestTerminalPrompterRetriesOnGarbage(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("what\nj\nno good\n"), Out: &out}
	rc := models.NewRunContext(models.Task{Title: "reject me"}, "/tmp/project")

	decision, feedback, err := p.Decide("security", rc)
	require.NoError(t, err)
	require.Equal(t, models.DecisionReject, decision)
	require.Equal(t, "no good", feedback)
	require.Contains(t, out.String(), "enter a, r, or j")
}

func TestTerminalPrompterEOF(t *testing.T) {
	p := &TerminalPrompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	rc := models.NewRunContext(models.Task{Title: "nothing"}, "/tmp/project")

	_, _, err := p.Decide("review", rc)
	require.Error(t, err)
}
