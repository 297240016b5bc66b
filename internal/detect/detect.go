// Package detect infers a project's language, framework and test tooling
// from marker files in its root directory.
package detect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/levelup/internal/logging"
)

// Info is the result of project detection. Empty fields mean the probe
// found nothing; callers overlay explicit settings on top.
type Info struct {
	Language    string
	Framework   string
	TestRunner  string
	TestCommand string
}

// markerFiles maps indicator files to the language they imply, checked in
// order so the more specific markers win.
var markerFiles = []struct {
	file     string
	language string
}{
	{"tsconfig.json", "typescript"},
	{"pyproject.toml", "python"},
	{"setup.py", "python"},
	{"requirements.txt", "python"},
	{"Cargo.toml", "rust"},
	{"go.mod", "go"},
	{"build.gradle.kts", "kotlin"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"Gemfile", "ruby"},
	{"mix.exs", "elixir"},
	{"composer.json", "php"},
	{"package.json", "javascript"},
}

// testRunners maps a language to its default runner and invocation.
var testRunners = map[string]struct {
	runner  string
	command string
}{
	"python":     {"pytest", "pytest"},
	"javascript": {"jest", "npx jest"},
	"typescript": {"jest", "npx jest"},
	"go":         {"go test", "go test ./..."},
	"rust":       {"cargo test", "cargo test"},
	"java":       {"maven", "mvn test"},
	"kotlin":     {"gradle", "./gradlew test"},
	"ruby":       {"rspec", "bundle exec rspec"},
	"elixir":     {"mix", "mix test"},
	"php":        {"phpunit", "./vendor/bin/phpunit"},
}

// Probe inspects projectPath and returns whatever it can determine. An
// unrecognized project yields a zero Info, not an error.
func Probe(ctx context.Context, projectPath string) (Info, error) {
	logger := logging.Component("detect")

	var info Info
	for _, m := range markerFiles {
		if _, err := os.Stat(filepath.Join(projectPath, m.file)); err == nil {
			info.Language = m.language
			break
		}
	}
	if info.Language == "" {
		logger.Debug().Str("path", projectPath).Msg("no language markers found")
		return info, nil
	}

	if r, ok := testRunners[info.Language]; ok {
		info.TestRunner = r.runner
		info.TestCommand = r.command
	}

	switch info.Language {
	case "javascript", "typescript":
		refineNode(projectPath, &info)
	case "python":
		refinePython(projectPath, &info)
	case "ruby":
		if data, err := os.ReadFile(filepath.Join(projectPath, "Gemfile")); err == nil {
			if strings.Contains(string(data), "rails") {
				info.Framework = "rails"
			}
		}
	}

	logger.Debug().
		Str("language", info.Language).
		Str("framework", info.Framework).
		Str("test_runner", info.TestRunner).
		Msg("project detected")
	return info, nil
}

// refineNode reads package.json dependencies and scripts to pick a
// framework and the actual test runner in use.
func refineNode(projectPath string, info *Info) {
	data, err := os.ReadFile(filepath.Join(projectPath, "package.json"))
	if err != nil {
		return
	}

	var pkg struct {
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}

	deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name := range pkg.Dependencies {
		deps[name] = true
	}
	for name := range pkg.DevDependencies {
		deps[name] = true
	}

	switch {
	case deps["next"]:
		info.Framework = "nextjs"
	case deps["react"]:
		info.Framework = "react"
	case deps["vue"]:
		info.Framework = "vue"
	case deps["express"]:
		info.Framework = "express"
	}

	switch {
	case deps["vitest"]:
		info.TestRunner = "vitest"
		info.TestCommand = "npx vitest run"
	case deps["jest"]:
		info.TestRunner = "jest"
		info.TestCommand = "npx jest"
	case deps["mocha"]:
		info.TestRunner = "mocha"
		info.TestCommand = "npx mocha"
	}

	if cmd, ok := pkg.Scripts["test"]; ok && cmd != "" {
		info.TestCommand = "npm test"
	}
}

// refinePython looks for common framework markers in pyproject.toml or
// requirements.txt.
func refinePython(projectPath string, info *Info) {
	var body string
	for _, f := range []string{"pyproject.toml", "requirements.txt", "setup.py"} {
		if data, err := os.ReadFile(filepath.Join(projectPath, f)); err == nil {
			body += strings.ToLower(string(data)) + "\n"
		}
	}
	switch {
	case strings.Contains(body, "django"):
		info.Framework = "django"
	case strings.Contains(body, "fastapi"):
		info.Framework = "fastapi"
	case strings.Contains(body, "flask"):
		info.Framework = "flask"
	}
}

// Merge overlays detected values onto rc-style fields, returning the
// detected value only where the explicit one is empty.
func Merge(explicit, detected string) string {
	if explicit != "" {
		return explicit
	}
	return detected
}
