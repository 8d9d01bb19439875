package roundtrip

import (
	"context"
	"errors"
	"fmt"

	"github.com/lattice-substrate/rtcheck/rterr"
)

// ToolStatus reports whether one tool could be launched.
type ToolStatus struct {
	Tool   string `json:"tool"`
	Found  bool   `json:"found"`
	Detail string `json:"detail,omitempty"`
}

type preflightTool struct {
	name string
	wrap bool
}

// Tools lists every executable a run with m and cfg may launch, in first
// use order.
func Tools(p Platform, m Matrix, cfg Config) []string {
	var names []string
	for _, t := range tools(p, m, cfg) {
		names = append(names, t.name)
	}
	return names
}

func tools(p Platform, m Matrix, cfg Config) []preflightTool {
	seen := make(map[string]bool)
	var out []preflightTool
	add := func(name string, wrap bool) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, preflightTool{name: name, wrap: wrap})
	}
	buildArgv, buildWrap := BuildTool(p, "")
	add(buildArgv[0], buildWrap)
	for i := range m.Compilers {
		add(m.Compilers[i], buildWrap)
		add(m.CXXCompilers[i], buildWrap)
	}
	if cfg.Strip.Enabled {
		add(cfg.Strip.Tool, true)
	}
	if cfg.SectionStrip.Enabled {
		add(cfg.SectionStrip.Tool, true)
	}
	add(cfg.Disassembler, false)
	if cfg.Reassembly == ReassembleDirect {
		_, wrap := DirectCommand(p, ReassembleRequest{Compiler: cfg.ReassemblyCompiler})
		add(cfg.ReassemblyCompiler, wrap)
	}
	add(cfg.Linker, true)
	return out
}

// Preflight launches "<tool> --version" for every tool the run needs. A
// tool that starts is found regardless of its exit status. The error is
// reserved for problems with the environment itself.
func Preflight(ctx context.Context, iv Invoker, m Matrix, cfg Config) ([]ToolStatus, error) {
	if iv.Env != nil {
		if err := iv.Env.Resolve(ctx); err != nil {
			return nil, rterr.Wrap(rterr.Configuration, "execution environment "+iv.Env.Name(), err)
		}
	}
	var statuses []ToolStatus
	for _, t := range tools(iv.Platform, m, cfg) {
		res, err := iv.run(ctx, invocation{argv: []string{t.name, "--version"}, wrap: t.wrap})
		var rerr *rterr.Error
		switch {
		case err == nil:
			statuses = append(statuses, ToolStatus{Tool: t.name, Found: true, Detail: firstLine(res.Output)})
		case errors.As(err, &rerr) && rerr.Class == rterr.ToolLaunch:
			statuses = append(statuses, ToolStatus{Tool: t.name, Detail: rerr.Error()})
		default:
			return nil, err
		}
	}
	return statuses, nil
}

// Missing returns the tools that could not be launched.
func Missing(statuses []ToolStatus) error {
	var missing []string
	for _, s := range statuses {
		if !s.Found {
			missing = append(missing, s.Tool)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("tools not found: %v", missing)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
