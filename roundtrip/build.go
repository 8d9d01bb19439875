package roundtrip

import (
	"context"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/lattice-substrate/rtcheck/rterr"
)

// BuildTool returns the project build command for target ("" is the default
// target) and whether it runs inside the execution environment.
func BuildTool(p Platform, target string) ([]string, bool) {
	var argv []string
	if p == Windows {
		argv = []string{"nmake", "/E", "/F", "Makefile.windows"}
	} else {
		argv = []string{"make", "-e"}
	}
	if target != "" {
		argv = append(argv, target)
	}
	return argv, p != Windows
}

// QuoteArgs shell-quotes each argument and joins them with spaces, the form
// make expects in CFLAGS-style variables.
func QuoteArgs(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellescape.Quote(a)
	}
	return strings.Join(quoted, " ")
}

// BuildEnv is the environment record handed to the project build.
type BuildEnv struct {
	CC       string
	CXX      string
	CFlags   []string
	CXXFlags []string
	// Exec and TargetArch are exported only when set.
	Exec       string
	TargetArch string
}

// Vars maps the record to the variables the build reads.
func (e BuildEnv) Vars() map[string]string {
	vars := map[string]string{
		"CC":       e.CC,
		"CXX":      e.CXX,
		"CFLAGS":   QuoteArgs(e.CFlags...),
		"CXXFLAGS": QuoteArgs(e.CXXFlags...),
	}
	if e.Exec != "" {
		vars["EXEC"] = e.Exec
	}
	if e.TargetArch != "" {
		vars["TARGET_ARCH"] = e.TargetArch
	}
	return vars
}

// BuildRequest selects the toolchain for one build.
type BuildRequest struct {
	Compiler     string
	CXXCompiler  string
	Optimization string
	ExtraFlags   []string
	ExecWrapper  string
	Arch         string
}

// Env returns the build environment record for the request.
func (r BuildRequest) Env() BuildEnv {
	flags := append([]string{r.Optimization}, r.ExtraFlags...)
	return BuildEnv{
		CC:         r.Compiler,
		CXX:        r.CXXCompiler,
		CFlags:     flags,
		CXXFlags:   flags,
		Exec:       r.ExecWrapper,
		TargetArch: r.Arch,
	}
}

// Build cleans the project and, only if that succeeded, builds its default
// target.
func Build(ctx context.Context, iv Invoker, req BuildRequest) (StageResult, error) {
	vars := req.Env().Vars()
	argv, wrap := BuildTool(iv.Platform, "clean")
	res, err := iv.run(ctx, invocation{argv: argv, env: vars, wrap: wrap})
	if err != nil {
		return StageResult{}, err
	}
	if sr := stageResult(StageBuild, res, rterr.Compile, rterr.Compile); !sr.OK {
		sr.Detail = "clean " + sr.Detail
		return sr, nil
	}
	cleanElapsed := res.Elapsed

	argv, wrap = BuildTool(iv.Platform, "")
	res, err = iv.run(ctx, invocation{argv: argv, env: vars, wrap: wrap})
	if err != nil {
		return StageResult{}, err
	}
	res.Elapsed += cleanElapsed
	return stageResult(StageBuild, res, rterr.Compile, rterr.Compile), nil
}
