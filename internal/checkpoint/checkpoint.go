// Package checkpoint builds checkpoint display payloads and prompts a
// human for approve/revise/reject decisions.
package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/levelup/internal/models"
)

// Prompter collects a decision for a pending checkpoint. Implementations
// block until the operator answers.
type Prompter interface {
	Decide(stepName string, rc *models.RunContext) (models.Decision, string, error)
}

// BuildDisplayData assembles the payload shown to a reviewer for a
// checkpoint on the given step.
func BuildDisplayData(stepName string, rc *models.RunContext) map[string]any {
	data := map[string]any{
		"run_id":     rc.RunID,
		"step":       stepName,
		"task_title": rc.Task.Title,
	}
	if rc.Task.Description != "" {
		data["task_description"] = rc.Task.Description
	}
	if out, ok := rc.Outputs[stepName]; ok {
		data["output"] = out
	}
	if rc.SecurityFeedback != "" && stepName == "security" {
		data["security_feedback"] = rc.SecurityFeedback
	}
	if usage, ok := rc.StepUsage[stepName]; ok {
		data["cost_usd"] = usage.CostUSD
	}
	return data
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	reviseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	rejectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// TerminalPrompter asks for decisions interactively on a terminal.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// Decide renders the checkpoint and reads a decision. Revisions and
// rejections may carry a feedback line.
func (p *TerminalPrompter) Decide(stepName string, rc *models.RunContext) (models.Decision, string, error) {
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, titleStyle.Render(fmt.Sprintf("Checkpoint: %s", stepName)))
	fmt.Fprintf(p.Out, "%s %s\n", labelStyle.Render("Task:"), rc.Task.Title)
	if out, ok := rc.Outputs[stepName]; ok {
		if s, ok := out.(string); ok && s != "" {
			fmt.Fprintf(p.Out, "%s\n%s\n", labelStyle.Render("Output:"), s)
		}
	}
	fmt.Fprintf(p.Out, "%s / %s / %s\n",
		approveStyle.Render("[a]pprove"),
		reviseStyle.Render("[r]evise"),
		rejectStyle.Render("re[j]ect"))

	reader := bufio.NewReader(p.In)
	for {
		fmt.Fprint(p.Out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("read checkpoint decision: %w", err)
		}

		var decision models.Decision
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			decision = models.DecisionApprove
		case "r", "revise":
			decision = models.DecisionRevise
		case "j", "reject":
			decision = models.DecisionReject
		default:
			fmt.Fprintln(p.Out, "enter a, r, or j")
			continue
		}

		feedback := ""
		if decision != models.DecisionApprove {
			fmt.Fprint(p.Out, labelStyle.Render("Feedback: "))
			fb, err := reader.ReadString('\n')
			if err != nil && fb == "" {
				return "", "", fmt.Errorf("read checkpoint feedback: %w", err)
			}
			feedback = strings.TrimSpace(fb)
		}
		return decision, feedback, nil
	}
}
