package roundtrip_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/rtcheck/gtirb/gtirbtest"
	"github.com/lattice-substrate/rtcheck/roundtrip"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
	"github.com/lattice-substrate/rtcheck/runtime/local"
)

// fakeRunner answers commands by key: the tool name, or "make <target>" for
// the build tool. Unknown keys succeed. The disassembler writes its outputs
// unless noOutputs is set.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []executil.Command
	results   map[string]executil.Result
	errs      map[string]error
	ir        []byte
	noOutputs bool
	// onRun observes the command before it is answered.
	onRun func(key string, cmd executil.Command)
}

func newFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()
	return &fakeRunner{
		results: map[string]executil.Result{},
		errs:    map[string]error{},
		ir:      validIR(),
	}
}

func commandKey(argv []string) string {
	if len(argv) > 0 && argv[0] == "schroot" {
		for i, a := range argv {
			if a == "--" {
				argv = argv[i+1:]
				break
			}
		}
	}
	if len(argv) == 0 {
		return ""
	}
	switch argv[0] {
	case "make":
		if len(argv) > 2 {
			return "make " + argv[2]
		}
		return "make"
	case "nmake":
		if len(argv) > 4 {
			return "nmake " + argv[4]
		}
		return "nmake"
	}
	return argv[0]
}

func (f *fakeRunner) Run(_ context.Context, cmd executil.Command) (executil.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	key := commandKey(cmd.Argv)
	if f.onRun != nil {
		f.onRun(key, cmd)
	}
	if err, ok := f.errs[key]; ok {
		return executil.Result{ExitCode: -1}, err
	}
	if key == roundtrip.DefaultDisassembler && !f.noOutputs {
		for i := 0; i+1 < len(cmd.Argv); i++ {
			var data []byte
			switch cmd.Argv[i] {
			case string(roundtrip.FormatAsm):
				data = []byte("\t.text\nmain:\n\tret\n")
			case string(roundtrip.FormatJSON):
				data = f.ir
			default:
				continue
			}
			if err := os.WriteFile(filepath.Join(cmd.Dir, cmd.Argv[i+1]), data, 0o600); err != nil {
				return executil.Result{ExitCode: -1}, err
			}
		}
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return executil.Result{Elapsed: 10 * time.Millisecond}, nil
}

func (f *fakeRunner) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		keys = append(keys, commandKey(c.Argv))
	}
	return keys
}

func (f *fakeRunner) call(key string) (executil.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if commandKey(c.Argv) == key {
			return c, true
		}
	}
	return executil.Command{}, false
}

func failing(code int) executil.Result {
	return executil.Result{ExitCode: code, Output: "boom\n", Elapsed: 5 * time.Millisecond}
}

// validIR is a two-block program that passes the builtin checks.
func validIR() []byte {
	b := gtirbtest.New("hello", "X64")
	text := b.Section(".text", 0x1000)
	mainID := text.Code("main", 0, 8)
	exit := text.Code(".L_exit", 8, 4)
	b.Edge(mainID, exit, "Type_Fallthrough", false, true)
	b.FunctionBlocks(mainID, mainID, exit)
	return b.JSON()
}

// brokenIR has a symbol pointing at nothing.
func brokenIR() []byte {
	b := gtirbtest.New("hello", "X64")
	text := b.Section(".text", 0x1000)
	mainID := text.Code("main", 0, 8)
	exit := text.Code(".L_exit", 8, 4)
	b.Edge(mainID, exit, "Type_Fallthrough", false, true)
	b.Symbol("ghost", b.ID())
	return b.JSON()
}

func newProject(t *testing.T) roundtrip.Project {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello"), []byte("\x7fELF original"), 0o600))
	return roundtrip.Project{Name: "hello", Dir: dir, Binary: "hello"}
}

func oneCell() roundtrip.Matrix {
	return roundtrip.Matrix{
		Compilers:     []string{"gcc"},
		CXXCompilers:  []string{"g++"},
		Optimizations: []string{"-O0"},
	}
}

func linuxConfig() roundtrip.Config {
	cfg := roundtrip.DefaultConfig()
	cfg.Platform = roundtrip.Linux
	return cfg
}

func fixedOptions(r executil.CommandRunner) roundtrip.RunOptions {
	return roundtrip.RunOptions{
		Runner: r,
		Env:    local.New(),
		Now:    func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
		NewID:  func() string { return "00000000-0000-4000-8000-000000000001" },
	}
}
