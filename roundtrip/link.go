package roundtrip

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/lattice-substrate/rtcheck/rterr"
)

// LinkRequest links reassembled objects into the binary.
type LinkRequest struct {
	Linker  string
	Binary  string
	Objects []string
	Flags   []string
}

// LinkOutput drops one trailing .o from the binary name, so an object-only
// target links into the executable it stands for.
func LinkOutput(binary string) string {
	if filepath.Ext(binary) == ".o" {
		return filepath.Base(strings.TrimSuffix(binary, ".o"))
	}
	return binary
}

// Command returns the linker argv.
func (r LinkRequest) Command() []string {
	argv := append([]string{r.Linker}, r.Objects...)
	argv = append(argv, "-o", LinkOutput(r.Binary))
	return append(argv, r.Flags...)
}

// Link runs the linker inside the execution environment.
func Link(ctx context.Context, iv Invoker, req LinkRequest) (StageResult, error) {
	argv := req.Command()
	iv.log().Info("linking", "objects", strings.Join(req.Objects, ", "), "output", LinkOutput(req.Binary))
	res, err := iv.run(ctx, invocation{argv: argv, wrap: true})
	if err != nil {
		return StageResult{}, err
	}
	return stageResult(StageLink, res, rterr.Link, rterr.Link), nil
}
