package roundtrip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lattice-substrate/rtcheck/binxform"
	"github.com/lattice-substrate/rtcheck/rterr"
)

// Format is a disassembler output-format flag.
type Format string

const (
	FormatAsm  Format = "--asm"
	FormatIR   Format = "--ir"
	FormatJSON Format = "--json"
)

// Output is one requested disassembler output.
type Output struct {
	Format Format
	Path   string
}

// AssemblyPath is the textual output reassembly reads: <binary>.s.
func AssemblyPath(binary string) string { return binary + ".s" }

// IRPath is the JSON-serialized IR the verifier reads.
func IRPath(binary string) string { return binary + ".gtirb.json" }

// DisassemblyRequest describes one disassembler invocation.
type DisassemblyRequest struct {
	Disassembler string
	Binary       string
	Outputs      []Output
	// Timeout defaults to DefaultDisassemblyTimeout when zero.
	Timeout   time.Duration
	ExtraArgs []string
	// Transforms are applied to scoped copies of Binary first.
	Transforms []binxform.Transform
}

// Command returns the disassembler argv for target.
func (r DisassemblyRequest) Command(target string) []string {
	argv := []string{r.Disassembler, target}
	for _, o := range r.Outputs {
		argv = append(argv, string(o.Format), o.Path)
	}
	argv = append(argv, "-j", "1")
	return append(argv, r.ExtraArgs...)
}

// Disassemble runs the disassembler against the binary in scope. Stale
// outputs are removed first, so an output present afterwards was written by
// this invocation. Derivative binaries never outlive the call.
func Disassemble(ctx context.Context, iv Invoker, req DisassemblyRequest) (sr StageResult, err error) {
	for _, o := range req.Outputs {
		if rmErr := os.Remove(iv.path(o.Path)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return StageResult{}, rterr.Wrap(rterr.InternalIO, "remove stale output", rmErr)
		}
	}

	scope, err := binxform.Acquire(ctx, binxform.Exec{Runner: iv.Runner, Env: iv.Env, Dir: iv.Dir}, req.Binary, req.Transforms...)
	if err != nil {
		return StageResult{}, transformError(err)
	}
	defer func() {
		if relErr := scope.Release(); relErr != nil && err == nil {
			err = rterr.Wrap(rterr.InternalIO, "remove derivative binaries", relErr)
		}
	}()

	art, ok := scope.Binary()
	if !ok {
		iv.log().Warn("binary transform failed", "binary", req.Binary, "reason", scope.Failure())
		return failed(StageDisassemble, rterr.Disassembly, scope.Failure()), nil
	}
	iv.log().Info("disassembling", "binary", art.Path, "lineage", art.Lineage)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultDisassemblyTimeout
	}
	res, err := iv.run(ctx, invocation{argv: req.Command(art.Path), timeout: timeout})
	if err != nil {
		return StageResult{}, err
	}
	sr = stageResult(StageDisassemble, res, rterr.Disassembly, rterr.DisassemblyTimeout)
	if res.TimedOut {
		sr.Detail = fmt.Sprintf("timed out after %s", timeout)
	}
	return sr, nil
}

// transformError classes a binary transform error the way the invoker
// classes the same failure of a stage command.
func transformError(err error) error {
	switch {
	case errors.Is(err, binxform.ErrWrap):
		return rterr.Wrap(rterr.Configuration, "execution environment", err)
	case errors.Is(err, binxform.ErrCopy):
		return rterr.Wrap(rterr.InternalIO, "prepare binary", err)
	default:
		return rterr.Wrap(rterr.ToolLaunch, "prepare binary", err)
	}
}
