package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

func TestProbeLanguages(t *testing.T) {
	cases := []struct {
		name        string
		files       map[string]string
		language    string
		testCommand string
	}{
		{"python", map[string]string{"pyproject.toml": "[project]\nname = \"x\"\n"}, "python", "pytest"},
		{"go", map[string]string{"go.mod": "module example.com/x\n"}, "go", "go test ./..."},
		{"rust", map[string]string{"Cargo.toml": "[package]\nname = \"x\"\n"}, "rust", "cargo test"},
		{"java", map[string]string{"pom.xml": "<project/>"}, "java", "mvn test"},
		{"kotlin", map[string]string{"build.gradle.kts": ""}, "kotlin", "./gradlew test"},
		{"ruby", map[string]string{"Gemfile": "source \"https://rubygems.org\"\n"}, "ruby", "bundle exec rspec"},
		{"elixir", map[string]string{"mix.exs": "defmodule X do\nend\n"}, "elixir", "mix test"},
		{"php", map[string]string{"composer.json": "{}"}, "php", "./vendor/bin/phpunit"},
		{"javascript", map[string]string{"package.json": "{}"}, "javascript", "npx jest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info, err := Probe(context.Background(), writeFiles(t, tc.files))
			require.NoError(t, err)
			require.Equal(t, tc.language, info.Language)
			require.Equal(t, tc.testCommand, info.TestCommand)
		})
	}
}

func TestProbeTypescriptBeatsJavascript(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json":  "{}",
		"tsconfig.json": "{}",
	})
	info, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "typescript", info.Language)
}

func TestProbeNodeFrameworkAndRunner(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json": `{
			"dependencies": {"react": "^18.0.0"},
			"devDependencies": {"vitest": "^1.0.0"}
		}`,
	})
	info, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "javascript", info.Language)
	require.Equal(t, "react", info.Framework)
	require.Equal(t, "vitest", info.TestRunner)
	require.Equal(t, "npx vitest run", info.TestCommand)
}

func TestProbeNodeTestScriptWins(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"package.json": `{"scripts": {"test": "vitest run --coverage"}}`,
	})
	info, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "npm test", info.TestCommand)
}

func TestProbePythonFrameworks(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"pyproject.toml": "[project]\ndependencies = [\"fastapi\", \"uvicorn\"]\n",
	})
	info, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "python", info.Language)
	require.Equal(t, "fastapi", info.Framework)
}

func TestProbeRailsDetection(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"Gemfile": "source \"https://rubygems.org\"\ngem \"rails\"\n",
	})
	info, err := Probe(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "rails", info.Framework)
}

func TestProbeUnknownProject(t *testing.T) {
	info, err := Probe(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Info{}, info)
}

func TestMerge(t *testing.T) {
	require.Equal(t, "python", Merge("", "python"))
	require.Equal(t, "ruby", Merge("ruby", "python"))
	require.Equal(t, "", Merge("", ""))
}
