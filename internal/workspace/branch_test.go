package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

func TestSanitizeTaskTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Add OAuth Support", "add-oauth-support"},
		{"Fix   bug!!", "fix-bug"},
		{"--already--hyphenated--", "already-hyphenated"},
		{"", "task"},
		{"###", "task"},
		{"UPPER case MIX", "upper-case-mix"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, SanitizeTaskTitle(c.in), "input %q", c.in)
	}
}

func TestSanitizeTaskTitleTruncation(t *testing.T) {
	long := "this is a very long task title that should definitely be truncated somewhere"
	got := SanitizeTaskTitle(long)
	require.LessOrEqual(t, len(got), 50)
	require.NotEqual(t, byte('-'), got[len(got)-1])
}

func TestBuildBranchName(t *testing.T) {
	rc := &models.RunContext{RunID: "abc123def456", Task: models.Task{Title: "Add OAuth Support"}}

	require.Equal(t, "feature/add-oauth-support", BuildBranchName("feature/{task_title}", rc))
	require.Equal(t, "levelup/abc123def456", BuildBranchName("", rc))
	require.Equal(t, "levelup/abc123def456", BuildBranchName("   ", rc))

	date := time.Now().Format("20060102")
	require.Equal(t, "dev/"+date+"-abc123def456", BuildBranchName("dev/{date}-{run_id}", rc))
}

func TestBuildBranchNameIdempotent(t *testing.T) {
	rc := &models.RunContext{RunID: "abc123def456", Task: models.Task{Title: "Some Task"}}
	first := BuildBranchName("feature/{task_title}-{run_id}", rc)
	second := BuildBranchName("feature/{task_title}-{run_id}", rc)
	require.Equal(t, first, second)
}

func TestNormalizeConvention(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"levelup/{run_id}", "levelup/{run_id}"},
		{"levelup/task-title-in-kebab-case", "levelup/{task_title}"},
		{"feature/task-title", "feature/{task_title}"},
		{"dev/date-run-id", "dev/{date}-{run_id}"},
		{"feature/title-slug", "feature/{task_title}"},
		// The verbose descriptor is stripped even mid-segment; the short
		// form only trims the end.
		{"feature/title-in-kebab-case-prs", "feature/{task_title}-prs"},
		{"feature/title-kebab-x", "feature/{task_title}-kebab-x"},
		{"", ""},
		{"  feature/{task_title}  ", "feature/{task_title}"},
		{"plain/branch-name", "plain/branch-name"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NormalizeConvention(c.in), "input %q", c.in)
	}
}
