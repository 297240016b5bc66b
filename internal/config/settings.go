package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"time"
)

// SettingsFile is the per-project settings file name, looked up in the
// project root.
const SettingsFile = "levelup.yaml"

// Settings holds run behavior configuration, layered defaults -> file -> env.
type Settings struct {
	Agent    AgentSettings    `yaml:"agent"`
	Project  ProjectSettings  `yaml:"project"`
	Pipeline PipelineSettings `yaml:"pipeline"`
	Log      LogSettings      `yaml:"log"`
}

// AgentSettings configures how step agents are invoked.
type AgentSettings struct {
	Executable string `yaml:"executable"`
	Model      string `yaml:"model"`
	MaxTurns   int    `yaml:"max_turns"`
}

// ProjectSettings are explicit overrides that win over detection results.
type ProjectSettings struct {
	Path         string `yaml:"path"`
	Language     string `yaml:"language"`
	Framework    string `yaml:"framework"`
	TestCommand  string `yaml:"test_command"`
	BranchNaming string `yaml:"branch_naming"`
}

// PipelineSettings control checkpoints, retries, and workspace isolation.
type PipelineSettings struct {
	RequireCheckpoints bool `yaml:"require_checkpoints"`
	CreateBranch       bool `yaml:"create_branch"`
	IsolationRequired  bool `yaml:"isolation_required"`
	MaxRetries         int  `yaml:"max_retries"`

	// PollIntervalMs is the headless checkpoint poll interval in milliseconds.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type LogSettings struct {
	Level string `yaml:"level"`
}

// DefaultSettings returns the baseline configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Agent: AgentSettings{
			Executable: "claude",
			MaxTurns:   10,
		},
		Pipeline: PipelineSettings{
			RequireCheckpoints: true,
			CreateBranch:       true,
			MaxRetries:         2,
			PollIntervalMs:     1000,
		},
		Log: LogSettings{Level: "info"},
	}
}

// LoadSettings builds Settings for a project: defaults, then levelup.yaml
// from the project root if present, then env overrides.
func LoadSettings(projectPath string) (*Settings, error) {
	s := DefaultSettings()
	s.Project.Path = projectPath

	path := filepath.Join(projectPath, SettingsFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if s.Project.Path == "" {
		s.Project.Path = projectPath
	}
	applyEnv(s)
	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("LEVELUP_AGENT_EXECUTABLE"); v != "" {
		s.Agent.Executable = v
	}
	if v := os.Getenv("LEVELUP_AGENT_MODEL"); v != "" {
		s.Agent.Model = v
	}
	if v := os.Getenv("LEVELUP_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	if v := os.Getenv("LEVELUP_BRANCH_NAMING"); v != "" {
		s.Project.BranchNaming = v
	}
}

// SaveBranchNaming writes the resolved branch naming convention back into
// the project's levelup.yaml so later runs reuse it. Other keys in an
// existing file are preserved.
func SaveBranchNaming(projectPath, convention string) error {
	path := filepath.Join(projectPath, SettingsFile)

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	project, _ := doc["project"].(map[string]any)
	if project == nil {
		project = map[string]any{}
	}
	project["branch_naming"] = convention
	doc["project"] = project

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// PollInterval returns the checkpoint poll interval as a duration.
func (p PipelineSettings) PollInterval() time.Duration {
	if p.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}
