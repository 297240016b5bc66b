package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

func TestExitOnFailure(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}

	rc := models.NewRunContext(models.Task{Title: "Add search"}, "/tmp/project")
	rc.Status = models.StatusFailed

	err := exitOnFailure(cmd, rc)
	require.ErrorIs(t, err, errRunFailed)
	require.True(t, cmd.SilenceErrors, "failure exit should not re-print the error")
}

func TestExitOnFailureHealthyRun(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}

	rc := models.NewRunContext(models.Task{Title: "Add search"}, "/tmp/project")
	rc.Status = models.StatusCompleted

	require.NoError(t, exitOnFailure(cmd, rc))
	require.NoError(t, exitOnFailure(cmd, nil))
	require.False(t, cmd.SilenceErrors)
}
