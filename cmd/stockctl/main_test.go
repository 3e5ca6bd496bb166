package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPrintsUsage(t *testing.T) {
	stderr := new(bytes.Buffer)
	require.Equal(t, 2, run(context.Background(), nil, new(bytes.Buffer), stderr))
	require.Contains(t, stderr.String(), "usage: stockctl")
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	stderr := new(bytes.Buffer)
	require.Equal(t, 2, run(context.Background(), []string{"rebuild"}, new(bytes.Buffer), stderr))
	require.Contains(t, stderr.String(), "commands:")
}

func TestRunJobsRequiresSubcommand(t *testing.T) {
	stderr := new(bytes.Buffer)
	require.Equal(t, 2, run(context.Background(), []string{"jobs"}, new(bytes.Buffer), stderr))
}
