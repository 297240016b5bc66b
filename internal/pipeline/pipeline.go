// Package pipeline defines the fixed, ordered list of steps every run
// executes. The definition is immutable; per-run variation happens through
// the run context, never by editing steps at runtime.
package pipeline

import (
	"fmt"

	"github.com/mpataki/levelup/internal/models"
)

type StepType string

const (
	StepDetection StepType = "detection"
	StepAgent     StepType = "agent"
)

// Step is one unit of pipeline work.
type Step struct {
	Name            string
	Type            StepType
	AgentName       string // set iff Type == StepAgent
	CheckpointAfter bool
	Description     string
}

// Pipeline is an ordered, read-only step sequence.
type Pipeline []Step

// Default is the standard pipeline: detection, then the agent steps with
// checkpoints after requirements, test writing, security, and review.
var Default = Pipeline{
	{
		Name:        "detect",
		Type:        StepDetection,
		Description: "Auto-detect project language, framework, and test runner",
	},
	{
		Name:            "requirements",
		Type:            StepAgent,
		AgentName:       "requirements",
		CheckpointAfter: true,
		Description:     "Clarify and structure requirements",
	},
	{
		Name:        "planning",
		Type:        StepAgent,
		AgentName:   "planning",
		Description: "Explore codebase and design implementation approach",
	},
	{
		Name:            "test_writing",
		Type:            StepAgent,
		AgentName:       "test_writer",
		CheckpointAfter: true,
		Description:     "Write tests before implementation",
	},
	{
		Name:        "coding",
		Type:        StepAgent,
		AgentName:   "coder",
		Description: "Implement code until tests pass",
	},
	{
		Name:            "security",
		Type:            StepAgent,
		AgentName:       "security",
		CheckpointAfter: true,
		Description:     "Detect and patch security vulnerabilities",
	},
	{
		Name:            "review",
		Type:            StepAgent,
		AgentName:       "reviewer",
		CheckpointAfter: true,
		Description:     "Review code quality and best practices",
	},
}

// ByName returns the step with the given name.
func (p Pipeline) ByName(name string) (Step, bool) {
	for _, s := range p {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Index returns the position of the named step, or -1.
func (p Pipeline) Index(name string) int {
	for i, s := range p {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// From slices the pipeline from the named step to the end; used by resume.
func (p Pipeline) From(name string) (Pipeline, error) {
	idx := p.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q (valid steps: %v)", models.ErrInvalidStepName, name, p.Names())
	}
	return p[idx:], nil
}

// Names lists step names in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Name
	}
	return names
}
