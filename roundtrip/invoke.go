package roundtrip

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lattice-substrate/rtcheck/rterr"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

// Environment places commands on the host or inside an isolated root.
type Environment interface {
	Name() string
	// Resolve performs any one-time lookup the environment needs. Wrap fails
	// until it has succeeded.
	Resolve(ctx context.Context) error
	Wrap(dir string, argv []string) ([]string, error)
}

// Invoker runs stage commands in a project directory. Nothing changes the
// process working directory; Dir is passed to every command.
type Invoker struct {
	Runner   executil.CommandRunner
	Env      Environment
	Dir      string
	Platform Platform
	Logger   *slog.Logger
}

type invocation struct {
	argv    []string
	env     map[string]string
	timeout time.Duration
	// wrap places the command inside Env.
	wrap bool
}

func (iv Invoker) log() *slog.Logger {
	if iv.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return iv.Logger
}

// run launches one command. A non-zero exit or timeout is a Result, not an
// error; errors are rterr values that abort the run.
func (iv Invoker) run(ctx context.Context, inv invocation) (executil.Result, error) {
	argv := inv.argv
	if inv.wrap && iv.Env != nil {
		wrapped, err := iv.Env.Wrap(iv.Dir, argv)
		if err != nil {
			return executil.Result{ExitCode: -1}, rterr.Wrap(rterr.Configuration, "execution environment "+iv.Env.Name(), err)
		}
		argv = wrapped
	}
	cmd := executil.Command{Argv: argv, Env: inv.env, Dir: iv.Dir, Timeout: inv.timeout}
	iv.log().Debug("exec", "cmd", cmd.String(), "dir", iv.Dir)

	res, err := iv.Runner.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return res, rterr.Wrap(rterr.InternalError, "run interrupted", err)
		}
		return res, rterr.Wrap(rterr.ToolLaunch, fmt.Sprintf("launch %s", argv[0]), err)
	}
	if !res.OK() {
		iv.log().Debug("command failed", "cmd", argv[0], "exit", res.ExitCode, "timed_out", res.TimedOut, "output", tail(res.Output, 20))
	}
	return res, nil
}

func (iv Invoker) path(p string) string {
	if filepath.IsAbs(p) || iv.Dir == "" {
		return p
	}
	return filepath.Join(iv.Dir, p)
}

func (iv Invoker) exists(p string) bool {
	_, err := os.Stat(iv.path(p))
	return err == nil
}

// Stage names a pipeline stage.
type Stage string

const (
	StageBuild       Stage = "build"
	StageDisassemble Stage = "disassemble"
	StageVerify      Stage = "verify"
	StageReassemble  Stage = "reassemble"
	StageLink        Stage = "link"
	StageTest        Stage = "test"
)

// StageResult is the outcome of one stage for one cell.
type StageResult struct {
	Stage    Stage              `json:"stage"`
	OK       bool               `json:"ok"`
	Elapsed  time.Duration      `json:"-"`
	TimedOut bool               `json:"timed_out,omitempty"`
	Class    rterr.FailureClass `json:"failure_class,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	// ElapsedMS mirrors Elapsed in reports.
	ElapsedMS int64 `json:"elapsed_ms"`
}

func stageResult(stage Stage, res executil.Result, failure, timeout rterr.FailureClass) StageResult {
	sr := StageResult{
		Stage:     stage,
		OK:        res.OK(),
		Elapsed:   res.Elapsed,
		TimedOut:  res.TimedOut,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	switch {
	case res.TimedOut:
		sr.Class = timeout
		sr.Detail = "timed out"
	case !sr.OK:
		sr.Class = failure
		sr.Detail = fmt.Sprintf("exited %d", res.ExitCode)
	}
	return sr
}

func failed(stage Stage, class rterr.FailureClass, detail string) StageResult {
	return StageResult{Stage: stage, Class: class, Detail: detail}
}

func tail(s string, lines int) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
