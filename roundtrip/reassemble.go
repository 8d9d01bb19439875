package roundtrip

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lattice-substrate/rtcheck/rterr"
)

// SafeSEHFlag must precede the source argument when reassembling with the
// Windows toolchain; linkers in combined compile+link mode reject it
// anywhere later.
const SafeSEHFlag = "/safeseh"

// ReassembleRequest turns <Binary>.s back into Binary.
type ReassembleRequest struct {
	Compiler string
	Binary   string
	Flags    []string
}

// Reassembler is one reassembly strategy.
type Reassembler interface {
	Kind() ReassemblyKind
	Reassemble(ctx context.Context, iv Invoker, req ReassembleRequest) (StageResult, error)
}

// NewReassembler returns the strategy for kind.
func NewReassembler(kind ReassemblyKind) (Reassembler, error) {
	switch kind {
	case ReassembleDirect:
		return Direct{}, nil
	case ReassembleMakefile:
		return Makefile{}, nil
	case ReassembleSkip:
		return Skip{}, nil
	default:
		return nil, fmt.Errorf("invalid reassembly strategy %q", kind)
	}
}

// ObjectPath is the object file a reassembled binary is linked from:
// the binary name with its extension replaced by .o.
func ObjectPath(binary string) string {
	base := filepath.Base(binary)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
}

// Direct invokes the assembler or compiler on the assembly itself.
type Direct struct{}

func (Direct) Kind() ReassemblyKind { return ReassembleDirect }

func (Direct) Reassemble(ctx context.Context, iv Invoker, req ReassembleRequest) (StageResult, error) {
	argv, wrap := DirectCommand(iv.Platform, req)
	iv.log().Info("reassembling", "source", AssemblyPath(req.Binary), "output", req.Binary, "cmd", QuoteArgs(argv...))
	res, err := iv.run(ctx, invocation{argv: argv, wrap: wrap})
	if err != nil {
		return StageResult{}, err
	}
	return stageResult(StageReassemble, res, rterr.Reassembly, rterr.Reassembly), nil
}

// DirectCommand builds the direct reassembly command line and reports
// whether it runs inside the execution environment.
//
// uasm-family assemblers emit an object with -Fo. On Linux the compiler is
// given the source, -o and the flags. On Windows the flags are followed by
// /link (unless already present) and /out:<binary>, and /safeseh, when
// requested, is repeated right after the compiler path.
func DirectCommand(p Platform, req ReassembleRequest) ([]string, bool) {
	src := AssemblyPath(req.Binary)
	if strings.Contains(req.Compiler, "uasm") {
		argv := []string{req.Compiler}
		argv = append(argv, req.Flags...)
		return append(argv, "-Fo", ObjectPath(req.Binary), src), false
	}
	if p == Windows {
		argv := []string{req.Compiler}
		if slices.Contains(req.Flags, SafeSEHFlag) {
			argv = append(argv, SafeSEHFlag)
		}
		argv = append(argv, src)
		argv = append(argv, req.Flags...)
		if !slices.Contains(argv, "/link") {
			argv = append(argv, "/link")
		}
		return append(argv, "/out:"+req.Binary), false
	}
	argv := []string{req.Compiler, src, "-o", req.Binary}
	return append(argv, req.Flags...), true
}

// Makefile delegates to the project's reassemble target.
type Makefile struct{}

func (Makefile) Kind() ReassemblyKind { return ReassembleMakefile }

func (Makefile) Reassemble(ctx context.Context, iv Invoker, req ReassembleRequest) (StageResult, error) {
	argv, wrap := BuildTool(iv.Platform, "reassemble")
	env := map[string]string{
		"AS":      req.Compiler,
		"ASFLAGS": QuoteArgs(req.Flags...),
	}
	iv.log().Info("reassembling with build target", "source", AssemblyPath(req.Binary), "output", req.Binary)
	res, err := iv.run(ctx, invocation{argv: argv, env: env, wrap: wrap})
	if err != nil {
		return StageResult{}, err
	}
	return stageResult(StageReassemble, res, rterr.Reassembly, rterr.Reassembly), nil
}

// Skip reports success without running anything. Runs using it measure
// disassembly alone and never reach the functional tests.
type Skip struct{}

func (Skip) Kind() ReassemblyKind { return ReassembleSkip }

func (Skip) Reassemble(_ context.Context, iv Invoker, _ ReassembleRequest) (StageResult, error) {
	iv.log().Info("reassembly skipped")
	return StageResult{Stage: StageReassemble, OK: true, Detail: "skipped"}, nil
}
