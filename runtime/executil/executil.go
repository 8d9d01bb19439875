// Package executil provides command execution helpers for the pipeline stages.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"

	"github.com/alessio/shellescape"
)

// killGrace bounds how long Wait keeps reading output after a timed-out
// process has been killed.
const killGrace = 5 * time.Second

// Command is one external invocation.
type Command struct {
	Argv []string
	// Env is merged over the caller's environment.
	Env map[string]string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Timeout bounds the wall-clock run time; zero means no bound.
	Timeout time.Duration
}

// String renders the command line shell-quoted, for logs.
func (c Command) String() string {
	return shellescape.QuoteCommand(c.Argv)
}

// Result is the outcome of a command that was launched.
type Result struct {
	ExitCode int
	TimedOut bool
	Output   string
	Elapsed  time.Duration
}

// OK reports whether the command ran to completion with exit status 0.
func (r Result) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// CommandRunner abstracts command execution for pipeline stages.
//
// A non-zero exit or a timeout is reported through Result, not as an error.
// The error return is reserved for commands that could not be launched or
// waited on (missing tool, cancelled context, I/O failure).
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSRunner executes commands on the host.
type OSRunner struct {
	// Echo, when set, receives the combined output as it is produced.
	Echo io.Writer
}

// Run executes cmd with merged environment variables and combined output capture.
func (r OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("empty argv")
	}
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	// #nosec G204 -- argv is built from operator configuration.
	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.WaitDelay = killGrace
	c.Dir = cmd.Dir
	if len(cmd.Env) != 0 {
		c.Env = mergeEnv(c.Environ(), cmd.Env)
	}
	var out bytes.Buffer
	var w io.Writer = &out
	if r.Echo != nil {
		w = io.MultiWriter(&out, r.Echo)
	}
	c.Stdout = w
	c.Stderr = w

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{ExitCode: -1, Elapsed: time.Since(start)}, fmt.Errorf("start %q: %w", cmd.Argv[0], err)
	}
	err := c.Wait()
	res := Result{Output: out.String(), Elapsed: time.Since(start)}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("run %q: %w", cmd.Argv[0], ctx.Err())
	}
	if cmd.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("run %q: %w", cmd.Argv[0], err)
}

func mergeEnv(base []string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := append([]string(nil), base...)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return merged
}
