package agent

import (
	"fmt"
	"strings"

	"github.com/mpataki/levelup/internal/models"
)

// stepInstructions are the per-step directives appended to the shared
// task preamble.
var stepInstructions = map[string]string{
	"requirements": "Gather and write out the requirements for this task. " +
		"List functional requirements, edge cases, and acceptance criteria.",
	"planning": "Produce an implementation plan for the requirements. " +
		"Break the work into concrete changes with file-level detail.",
	"test_writing": "Write failing tests that capture the requirements. " +
		"Use the project's existing test runner and conventions.",
	"coding": "Implement the plan until the tests pass. " +
		"Keep changes minimal and consistent with the surrounding code.",
	"security": "Review the changes for security issues. " +
		"If you find problems that require code changes, say so explicitly and describe each one.",
	"review": "Review the full change set for correctness, style, and completeness.",
}

// BuildPrompt assembles the prompt for one pipeline step from the run's
// accumulated context.
func BuildPrompt(stepName string, rc *models.RunContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", rc.Task.Title)
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", rc.Task.Description)
	}

	var facts []string
	if rc.Language != "" {
		facts = append(facts, "language: "+rc.Language)
	}
	if rc.Framework != "" {
		facts = append(facts, "framework: "+rc.Framework)
	}
	if rc.TestCommand != "" {
		facts = append(facts, "test command: "+rc.TestCommand)
	}
	if len(facts) > 0 {
		fmt.Fprintf(&b, "\nProject: %s\n", strings.Join(facts, ", "))
	}

	// Later steps see the outputs of the ones before them.
	for _, prior := range []string{"requirements", "planning"} {
		if prior == stepName {
			break
		}
		if out, ok := rc.Outputs[prior].(string); ok && out != "" {
			fmt.Fprintf(&b, "\n## %s\n%s\n", prior, out)
		}
	}

	if rc.RequiresRework && rc.SecurityFeedback != "" && stepName == "coding" {
		fmt.Fprintf(&b, "\nSecurity review found issues that must be fixed:\n%s\n", rc.SecurityFeedback)
	}

	if inst, ok := stepInstructions[stepName]; ok {
		fmt.Fprintf(&b, "\n%s\n", inst)
	}
	return b.String()
}
