package executil_test

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunSuccessCapturesOutput(t *testing.T) {
	requireShell(t)
	res, err := executil.OSRunner{}.Run(context.Background(), executil.Command{
		Argv: []string{"sh", "-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	res, err := executil.OSRunner{}.Run(context.Background(), executil.Command{
		Argv: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.False(t, res.TimedOut)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeoutIsDistinct(t *testing.T) {
	requireShell(t)
	res, err := executil.OSRunner{}.Run(context.Background(), executil.Command{
		Argv:    []string{"sh", "-c", "exec sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.OK())
	assert.Less(t, res.Elapsed, 5*time.Second)
}

func TestRunMergesEnvAndDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	res, err := executil.OSRunner{}.Run(context.Background(), executil.Command{
		Argv: []string{"sh", "-c", `printf '%s|%s' "$CC" "$PWD"`},
		Env:  map[string]string{"CC": "clang"},
		Dir:  dir,
	})
	require.NoError(t, err)
	parts := strings.SplitN(res.Output, "|", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "clang", parts[0])
	assert.True(t, strings.HasSuffix(parts[1], filepath.Base(dir)))
}

func TestRunEchoesOutput(t *testing.T) {
	requireShell(t)
	var echo bytes.Buffer
	_, err := executil.OSRunner{Echo: &echo}.Run(context.Background(), executil.Command{
		Argv: []string{"sh", "-c", "echo hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", echo.String())
}

func TestRunMissingToolIsAnError(t *testing.T) {
	_, err := executil.OSRunner{}.Run(context.Background(), executil.Command{
		Argv: []string{"rtcheck-definitely-missing-tool"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := executil.OSRunner{}.Run(context.Background(), executil.Command{})
	require.Error(t, err)
}

func TestCommandString(t *testing.T) {
	c := executil.Command{Argv: []string{"gcc", "ex.s", "-o", "ex", "-DNAME=a b"}}
	assert.Equal(t, "gcc ex.s -o ex '-DNAME=a b'", c.String())
}
