package command

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestRunner_Success(t *testing.T) {
	requireBinary(t, "echo")
	res, err := NewRunner(0).Run(context.Background(), "echo", "hello; rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, "hello; rm -rf /", res.Stdout, "arguments are not shell-interpreted")
	assert.Zero(t, res.ExitCode)
}

func TestRunner_NonZeroExit(t *testing.T) {
	requireBinary(t, "false")
	res, err := NewRunner(0).Run(context.Background(), "false")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunner_Timeout(t *testing.T) {
	requireBinary(t, "sleep")
	_, err := NewRunner(50*time.Millisecond).Run(context.Background(), "sleep", "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResult_Output(t *testing.T) {
	assert.Equal(t, "a", (&Result{Stdout: "a"}).Output())
	assert.Equal(t, "b", (&Result{Stderr: "b"}).Output())
	assert.Equal(t, "a\nb", (&Result{Stdout: "a", Stderr: "b"}).Output())
}
