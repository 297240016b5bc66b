package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/models"
)

func TestDefaultAgentsCoverPipeline(t *testing.T) {
	agents := DefaultAgents(agent.NewRunner("claude", "", 10))
	for _, name := range []string{"requirements", "planning", "test_writer", "coder", "security", "reviewer"} {
		require.Contains(t, agents, name)
	}
	require.NotContains(t, agents, "detect")
}

func TestApplySecurityVerdict(t *testing.T) {
	rc := models.NewRunContext(models.Task{Title: "x"}, "/tmp/project")

	applySecurityVerdict(rc, "Vulnerability found: SQL injection. This must be fixed.")
	require.True(t, rc.RequiresRework)
	require.Contains(t, rc.SecurityFeedback, "SQL injection")

	applySecurityVerdict(rc, "No issues identified. The change set looks safe.")
	require.False(t, rc.RequiresRework)
	require.Empty(t, rc.SecurityFeedback)
}
