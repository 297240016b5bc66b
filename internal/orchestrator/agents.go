package orchestrator

import (
	"context"
	"strings"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

// reworkMarkers are phrases in security output that indicate the coder
// must revisit the change set.
var reworkMarkers = []string{
	"requires code changes",
	"must be fixed",
	"vulnerability found",
	"vulnerabilities found",
	"security issue found",
	"security issues found",
}

// DefaultAgents builds the standard agent set on top of the CLI runner,
// one entry per agent step in the pipeline.
func DefaultAgents(runner *agent.Runner) map[string]Agent {
	agents := make(map[string]Agent)
	for _, step := range pipeline.Default {
		if step.Type != pipeline.StepAgent {
			continue
		}
		agents[step.AgentName] = newCLIAgent(runner, step)
	}
	return agents
}

func newCLIAgent(runner *agent.Runner, step pipeline.Step) Agent {
	return func(ctx context.Context, rc *models.RunContext) error {
		res, err := runner.Run(ctx, rc, step.Name, step.AgentName, agent.BuildPrompt(step.Name, rc))
		if err != nil {
			return err
		}
		if step.Name == "security" {
			applySecurityVerdict(rc, res.Output)
		}
		return nil
	}
}

// applySecurityVerdict inspects the security agent's output and flags the
// run for rework when it reports actionable findings.
func applySecurityVerdict(rc *models.RunContext, output string) {
	lower := strings.ToLower(output)
	for _, marker := range reworkMarkers {
		if strings.Contains(lower, marker) {
			rc.RequiresRework = true
			rc.SecurityFeedback = output
			return
		}
	}
	rc.RequiresRework = false
	rc.SecurityFeedback = ""
}
