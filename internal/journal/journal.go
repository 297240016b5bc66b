// Package journal appends a human-readable markdown log of a run to the
// project being worked on. Journal writes are best effort; a failure is
// logged and never interrupts the run.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
)

// Journal writes run events to levelup/<date>-[<ticket>-]<slug>.md inside
// the run's effective path.
type Journal struct {
	path   string
	logger zerolog.Logger
}

// New builds a journal for the run. The file itself is created lazily on
// the first write.
func New(rc *models.RunContext) *Journal {
	name := rc.StartedAt.Format("2006-01-02")
	if ticket, ok := rc.TicketNumber(); ok {
		name = fmt.Sprintf("%s-%d", name, ticket)
	}
	name = fmt.Sprintf("%s-%s.md", name, slugify(rc.Task.Title))

	return &Journal{
		path:   filepath.Join(rc.EffectivePath(), "levelup", name),
		logger: logging.Component("journal"),
	}
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// WriteHeader starts the journal with run metadata.
func (j *Journal) WriteHeader(rc *models.RunContext) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rc.Task.Title)
	fmt.Fprintf(&b, "- **Run ID:** %s\n", rc.RunID)
	fmt.Fprintf(&b, "- **Started:** %s\n", rc.StartedAt.Format(time.RFC3339))
	if rc.Task.Source != "" {
		fmt.Fprintf(&b, "- **Source:** %s\n", rc.Task.Source)
	}
	if rc.Language != "" {
		fmt.Fprintf(&b, "- **Language:** %s\n", rc.Language)
	}
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", rc.Task.Description)
	}
	b.WriteString("\n## Steps\n")
	j.append(b.String())
}

// LogStep records a completed step and its cost, if any.
func (j *Journal) LogStep(rc *models.RunContext, stepName string) {
	line := fmt.Sprintf("\n### %s\n\n- completed at %s\n",
		stepName, time.Now().UTC().Format(time.RFC3339))
	if usage, ok := rc.StepUsage[stepName]; ok && usage.CostUSD > 0 {
		line += fmt.Sprintf("- cost: $%.4f\n", usage.CostUSD)
	}
	if sha, ok := rc.StepCommits[stepName]; ok {
		line += fmt.Sprintf("- commit: %s\n", sha)
	}
	j.append(line)
}

// LogCheckpoint records a checkpoint decision.
func (j *Journal) LogCheckpoint(stepName string, decision models.Decision, feedback string) {
	line := fmt.Sprintf("\n- checkpoint %s: **%s**\n", stepName, decision)
	if feedback != "" {
		line += fmt.Sprintf("  - feedback: %s\n", feedback)
	}
	j.append(line)
}

// LogResume marks a resumption point.
func (j *Journal) LogResume(stepName string) {
	j.append(fmt.Sprintf("\n## Resumed at %s (from %s)\n",
		time.Now().UTC().Format(time.RFC3339), stepName))
}

// LogOutcome ends the journal with the run's final status.
func (j *Journal) LogOutcome(rc *models.RunContext) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Outcome\n\n- **Status:** %s\n", rc.Status)
	if rc.ErrorMessage != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", rc.ErrorMessage)
	}
	if rc.TotalCostUSD > 0 {
		fmt.Fprintf(&b, "- **Total cost:** $%.4f\n", rc.TotalCostUSD)
	}
	j.append(b.String())
}

func (j *Journal) append(text string) {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		j.logger.Warn().Err(err).Str("path", j.path).Msg("journal directory unavailable")
		return
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		j.logger.Warn().Err(err).Str("path", j.path).Msg("journal write failed")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		j.logger.Warn().Err(err).Str("path", j.path).Msg("journal write failed")
	}
}

// slugify turns a task title into a short filename-safe fragment.
func slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "run"
	}
	return slug
}
