package roundtrip_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/rtcheck/asmdb"
	"github.com/lattice-substrate/rtcheck/roundtrip"
	"github.com/lattice-substrate/rtcheck/rterr"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
	"github.com/lattice-substrate/rtcheck/runtime/schroot"
)

func runOne(t *testing.T, r *fakeRunner, p roundtrip.Project, cfg roundtrip.Config) *roundtrip.Report {
	t.Helper()
	report, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), cfg, fixedOptions(r))
	require.NoError(t, err)
	require.Len(t, report.Projects, 1)
	return report
}

func stages(c roundtrip.CellResult) []roundtrip.Stage {
	out := make([]roundtrip.Stage, 0, len(c.Stages))
	for _, s := range c.Stages {
		out = append(out, s.Stage)
	}
	return out
}

func TestRunMatrixHappyPath(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)

	report := runOne(t, r, p, linuxConfig())
	assert.True(t, report.Passed)
	assert.Equal(t, roundtrip.Tally{}, report.Tally)
	assert.Equal(t, []string{"make clean", "make", "ddisasm", "gcc", "make check"}, r.keys())

	cell := report.Projects[0].Cells[0]
	assert.Equal(t, []roundtrip.Stage{
		roundtrip.StageBuild, roundtrip.StageDisassemble, roundtrip.StageVerify,
		roundtrip.StageReassemble, roundtrip.StageTest,
	}, stages(cell))
	assert.Zero(t, cell.Defects)

	build, _ := r.call("make")
	assert.Equal(t, p.Dir, build.Dir)
	assert.Equal(t, "gcc", build.Env["CC"])
	assert.Equal(t, "g++", build.Env["CXX"])
	assert.Equal(t, "-O0", build.Env["CFLAGS"])
	assert.NotContains(t, build.Env, "EXEC")

	disasm, _ := r.call("ddisasm")
	assert.Equal(t, []string{"ddisasm", "hello", "--asm", "hello.s", "--json", "hello.gtirb.json", "-j", "1"}, disasm.Argv)
	assert.Equal(t, roundtrip.DefaultDisassemblyTimeout, disasm.Timeout)

	reasm, _ := r.call("gcc")
	assert.Equal(t, []string{"gcc", "hello.s", "-o", "hello", "-no-pie"}, reasm.Argv)

	test, _ := r.call("make check")
	assert.Equal(t, roundtrip.DefaultTestTimeout, test.Timeout)
}

func TestRunMatrixReleasesProjectLock(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	_, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), linuxConfig(), fixedOptions(r))
	require.NoError(t, err)

	path := filepath.Join(p.Dir, roundtrip.LockFileName)
	_, err = os.Stat(path)
	require.NoError(t, err, "lock file stays in place")
	other := flock.New(path)
	locked, err := other.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, other.Unlock())

	_, err = roundtrip.RunMatrix(context.Background(), p, oneCell(), linuxConfig(), fixedOptions(r))
	require.NoError(t, err)
}

func TestRunMatrixBuildFailureStopsCell(t *testing.T) {
	r := newFakeRunner(t)
	r.results["make"] = failing(2)

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Compile: 1}, report.Tally)
	assert.False(t, report.Passed)
	assert.Equal(t, []string{"make clean", "make"}, r.keys())

	build := report.Projects[0].Cells[0].Stages[0]
	assert.Equal(t, rterr.Compile, build.Class)
}

func TestRunMatrixCleanFailureSkipsBuild(t *testing.T) {
	r := newFakeRunner(t)
	r.results["make clean"] = failing(2)

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Compile: 1}, report.Tally)
	assert.Equal(t, []string{"make clean"}, r.keys())
	assert.Contains(t, report.Projects[0].Cells[0].Stages[0].Detail, "clean")
}

func TestRunMatrixDisassemblyTimeout(t *testing.T) {
	r := newFakeRunner(t)
	r.noOutputs = true
	r.results["ddisasm"] = executil.Result{ExitCode: -1, TimedOut: true, Elapsed: 300 * time.Second}

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Disassembly: 1}, report.Tally)
	assert.Equal(t, []string{"make clean", "make", "ddisasm"}, r.keys())

	cell := report.Projects[0].Cells[0]
	disasm, ok := cell.Stage(roundtrip.StageDisassemble)
	require.True(t, ok)
	assert.True(t, disasm.TimedOut)
	assert.Equal(t, rterr.DisassemblyTimeout, disasm.Class)
	assert.Equal(t, int64(300000), disasm.ElapsedMS)
	_, verified := cell.Stage(roundtrip.StageVerify)
	assert.False(t, verified)
}

func TestRunMatrixVerifiesIRAfterFailedDisassembly(t *testing.T) {
	r := newFakeRunner(t)
	r.ir = brokenIR()
	r.results["ddisasm"] = failing(1)

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Disassembly: 1, Structural: 1}, report.Tally)
	assert.Equal(t, 1, report.Projects[0].Cells[0].Defects)
}

func TestRunMatrixUnreadableIRCountsOneDefect(t *testing.T) {
	r := newFakeRunner(t)
	r.ir = []byte(`{"modules": [`)

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Structural: 1}, report.Tally)
	cell := report.Projects[0].Cells[0]
	assert.NotEmpty(t, cell.StructuralReadError)
	verify, ok := cell.Stage(roundtrip.StageVerify)
	require.True(t, ok)
	assert.Equal(t, rterr.StructuralRead, verify.Class)
	// Defects do not stop the pipeline.
	assert.Contains(t, r.keys(), "make check")
}

func TestRunMatrixStaleIRIsNotVerified(t *testing.T) {
	r := newFakeRunner(t)
	r.noOutputs = true
	r.results["ddisasm"] = failing(1)
	p := newProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir, "hello.gtirb.json"), brokenIR(), 0o600))

	report := runOne(t, r, p, linuxConfig())
	assert.Equal(t, roundtrip.Tally{Disassembly: 1}, report.Tally)
}

func TestRunMatrixNoBuiltinChecks(t *testing.T) {
	r := newFakeRunner(t)
	r.ir = brokenIR()
	cfg := linuxConfig()
	cfg.NoBuiltinChecks = true

	report := runOne(t, r, newProject(t), cfg)
	assert.Equal(t, roundtrip.Tally{}, report.Tally)
	_, verified := report.Projects[0].Cells[0].Stage(roundtrip.StageVerify)
	assert.False(t, verified)
}

func TestRunMatrixStripFailureRemovesDerivative(t *testing.T) {
	r := newFakeRunner(t)
	r.results["strip"] = failing(1)
	p := newProject(t)
	cfg := linuxConfig()
	cfg.Strip.Enabled = true

	report := runOne(t, r, p, cfg)
	assert.Equal(t, roundtrip.Tally{Disassembly: 1}, report.Tally)
	assert.NotContains(t, r.keys(), "ddisasm")
	_, err := os.Stat(filepath.Join(p.Dir, "hello.stripped"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMatrixDisassemblesStrippedCopy(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	var seen []string
	r.onRun = func(key string, cmd executil.Command) {
		if key == "ddisasm" {
			for _, name := range []string{"hello.stripped", "hello.stripped.sstripped"} {
				if _, err := os.Stat(filepath.Join(cmd.Dir, name)); err == nil {
					seen = append(seen, name)
				}
			}
		}
	}
	cfg := linuxConfig()
	cfg.Strip.Enabled = true
	cfg.Strip.ExtraFlags = []string{"--keep-symbol=main"}
	cfg.SectionStrip.Enabled = true

	report := runOne(t, r, p, cfg)
	assert.True(t, report.Passed)
	assert.Equal(t, []string{"hello.stripped", "hello.stripped.sstripped"}, seen)

	strip, _ := r.call("strip")
	assert.Equal(t, []string{"strip", "--strip-unneeded", "hello.stripped", "--keep-symbol=main"}, strip.Argv)
	sstrip, _ := r.call("sstrip")
	assert.Equal(t, []string{"sstrip", "hello.stripped.sstripped"}, sstrip.Argv)
	disasm, _ := r.call("ddisasm")
	assert.Equal(t, "hello.stripped.sstripped", disasm.Argv[1])

	for _, name := range seen {
		_, err := os.Stat(filepath.Join(p.Dir, name))
		assert.True(t, os.IsNotExist(err), "%s must be removed", name)
	}
	orig, err := os.ReadFile(filepath.Join(p.Dir, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF original", string(orig))
}

func TestRunMatrixSkipReassemblyRunsNoAssemblerOrTests(t *testing.T) {
	r := newFakeRunner(t)
	cfg := linuxConfig()
	cfg.Reassembly = roundtrip.ReassembleSkip
	cfg.Linker = "ld"

	report := runOne(t, r, newProject(t), cfg)
	assert.True(t, report.Passed)
	assert.Equal(t, []string{"make clean", "make", "ddisasm", "ld"}, r.keys())
}

func TestRunMatrixMakefileReassembly(t *testing.T) {
	r := newFakeRunner(t)
	cfg := linuxConfig()
	cfg.Reassembly = roundtrip.ReassembleMakefile
	cfg.ReassemblyCompiler = "as"
	cfg.ExtraReassembleFlags = []string{"--64"}

	runOne(t, r, newProject(t), cfg)
	reasm, ok := r.call("make reassemble")
	require.True(t, ok)
	assert.Equal(t, "as", reasm.Env["AS"])
	assert.Equal(t, "--64", reasm.Env["ASFLAGS"])
}

func TestRunMatrixReassemblyFailure(t *testing.T) {
	r := newFakeRunner(t)
	r.results["gcc"] = failing(1)

	report := runOne(t, r, newProject(t), linuxConfig())
	assert.Equal(t, roundtrip.Tally{Reassembly: 1}, report.Tally)
	assert.NotContains(t, r.keys(), "make check")
}

func TestRunMatrixLinkStage(t *testing.T) {
	r := newFakeRunner(t)
	cfg := linuxConfig()
	cfg.Linker = "ld"
	cfg.ExtraReassembleFlags = []string{"-c"}
	cfg.ExtraLinkFlags = []string{"-lc"}

	report := runOne(t, r, newProject(t), cfg)
	assert.True(t, report.Passed)
	link, ok := r.call("ld")
	require.True(t, ok)
	assert.Equal(t, []string{"ld", "hello.o", "-o", "hello", "-lc"}, link.Argv)
}

func TestRunMatrixLinkFailure(t *testing.T) {
	r := newFakeRunner(t)
	r.results["ld"] = failing(1)
	cfg := linuxConfig()
	cfg.Linker = "ld"

	report := runOne(t, r, newProject(t), cfg)
	assert.Equal(t, roundtrip.Tally{Link: 1}, report.Tally)
	assert.NotContains(t, r.keys(), "make check")
}

func TestRunMatrixFunctionalTestFailures(t *testing.T) {
	r := newFakeRunner(t)
	r.results["make check"] = executil.Result{ExitCode: -1, TimedOut: true}
	cfg := linuxConfig()
	cfg.ExecWrapper = "qemu-arm"

	report := runOne(t, r, newProject(t), cfg)
	assert.Equal(t, roundtrip.Tally{Test: 1}, report.Tally)
	test, _ := report.Projects[0].Cells[0].Stage(roundtrip.StageTest)
	assert.Equal(t, rterr.FunctionalTestTimeout, test.Class)
	check, _ := r.call("make check")
	assert.Equal(t, "qemu-arm", check.Env["EXEC"])
}

func TestRunMatrixSkipTest(t *testing.T) {
	r := newFakeRunner(t)
	cfg := linuxConfig()
	cfg.SkipTest = true

	runOne(t, r, newProject(t), cfg)
	assert.NotContains(t, r.keys(), "make check")
}

func TestRunMatrixRunsEveryCell(t *testing.T) {
	r := newFakeRunner(t)
	r.results["make"] = failing(2)

	report, err := roundtrip.RunMatrix(context.Background(), newProject(t), roundtrip.DefaultMatrix(), linuxConfig(), fixedOptions(r))
	require.NoError(t, err)
	assert.Equal(t, roundtrip.Tally{Compile: 10}, report.Tally)
	cells := report.Projects[0].Cells
	require.Len(t, cells, 10)
	assert.Equal(t, roundtrip.Cell{Compiler: "gcc", CXXCompiler: "g++", Optimization: "-O0"}, cells[0].Cell)
	assert.Equal(t, roundtrip.Cell{Compiler: "clang", CXXCompiler: "clang++", Optimization: "-Os"}, cells[9].Cell)
}

func TestRunMatrixIsDeterministic(t *testing.T) {
	p := newProject(t)
	var reports [][]byte
	for range 2 {
		r := newFakeRunner(t)
		r.results["gcc"] = failing(1)
		report, err := roundtrip.RunMatrix(context.Background(), p, roundtrip.DefaultMatrix(), linuxConfig(), fixedOptions(r))
		require.NoError(t, err)
		// Verification is timed by the wall clock.
		for _, proj := range report.Projects {
			for _, cell := range proj.Cells {
				for i := range cell.Stages {
					if cell.Stages[i].Stage == roundtrip.StageVerify {
						cell.Stages[i].ElapsedMS = 0
					}
				}
			}
		}
		data, err := roundtrip.MarshalReport(report)
		require.NoError(t, err)
		reports = append(reports, data)
	}
	assert.Equal(t, string(reports[0]), string(reports[1]))
}

func TestRunMatrixConfigurationErrors(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)

	bad := oneCell()
	bad.CXXCompilers = append(bad.CXXCompilers, "clang++")
	_, err := roundtrip.RunMatrix(context.Background(), p, bad, linuxConfig(), fixedOptions(r))
	assertClass(t, err, rterr.Configuration)

	cfg := linuxConfig()
	cfg.Reassembly = "objcopy"
	_, err = roundtrip.RunMatrix(context.Background(), p, oneCell(), cfg, fixedOptions(r))
	assertClass(t, err, rterr.Configuration)

	missing := p
	missing.Dir = filepath.Join(p.Dir, "nope")
	_, err = roundtrip.RunMatrix(context.Background(), missing, oneCell(), linuxConfig(), fixedOptions(r))
	assertClass(t, err, rterr.Configuration)

	assert.Empty(t, r.keys())
}

func TestRunMatrixUnresolvedChrootIsConfigurationError(t *testing.T) {
	r := newFakeRunner(t)
	r.results["schroot"] = failing(1)
	cfg := linuxConfig()
	cfg.Chroot = "armhf"
	opts := fixedOptions(r)
	opts.Env = nil

	_, err := roundtrip.RunMatrix(context.Background(), newProject(t), oneCell(), cfg, opts)
	assertClass(t, err, rterr.Configuration)
	assert.Equal(t, []string{"schroot"}, r.keys())
}

func TestRunMatrixWrapsBuildInChroot(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	r.results["schroot"] = executil.Result{Output: filepath.Dir(p.Dir) + "\n"}
	opts := fixedOptions(r)
	opts.Env = schroot.NewAdapter("armhf", r)

	report, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), linuxConfig(), opts)
	require.NoError(t, err)
	assert.Equal(t, "schroot:armhf", report.Environment)

	build, _ := r.call("make")
	assert.Equal(t, []string{
		"schroot", "--chroot", "armhf", "--directory", filepath.Base(p.Dir),
		"--preserve-environment", "--", "make", "-e",
	}, build.Argv)
	disasm, _ := r.call("ddisasm")
	assert.Equal(t, "ddisasm", disasm.Argv[0])
}

func TestRunMatrixLockedProject(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	held := flock.New(filepath.Join(p.Dir, roundtrip.LockFileName))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	_, err = roundtrip.RunMatrix(context.Background(), p, oneCell(), linuxConfig(), fixedOptions(r))
	assertClass(t, err, rterr.Configuration)
	assert.Empty(t, r.keys())
}

func TestRunMatrixMissingToolAborts(t *testing.T) {
	r := newFakeRunner(t)
	r.errs["ddisasm"] = exec.ErrNotFound

	_, err := roundtrip.RunMatrix(context.Background(), newProject(t), roundtrip.DefaultMatrix(), linuxConfig(), fixedOptions(r))
	assertClass(t, err, rterr.ToolLaunch)
	assert.Equal(t, []string{"make clean", "make", "ddisasm"}, r.keys())
}

// stripRefusingEnv runs everything on the host except the strip tool, which
// it cannot place.
type stripRefusingEnv struct{}

func (stripRefusingEnv) Name() string { return "strip-refusing" }
func (stripRefusingEnv) Resolve(context.Context) error { return nil }
func (stripRefusingEnv) Wrap(_ string, argv []string) ([]string, error) {
	if argv[0] == "strip" {
		return nil, errors.New("no strip in this root")
	}
	return argv, nil
}

func TestRunMatrixTransformWrapFailureIsConfiguration(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	cfg := linuxConfig()
	cfg.Strip.Enabled = true
	opts := fixedOptions(r)
	opts.Env = stripRefusingEnv{}

	_, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), cfg, opts)
	assertClass(t, err, rterr.Configuration)
	assert.NotContains(t, r.keys(), "ddisasm")
	_, statErr := os.Stat(filepath.Join(p.Dir, "hello.stripped"))
	assert.True(t, os.IsNotExist(statErr))
}

type recordingUploader struct {
	records []asmdb.Record
	err     error
}

func (u *recordingUploader) Upload(_ context.Context, rec asmdb.Record) error {
	u.records = append(u.records, rec)
	return u.err
}

func TestRunMatrixUploadsWithoutCountingFailures(t *testing.T) {
	r := newFakeRunner(t)
	p := newProject(t)
	up := &recordingUploader{err: errors.New("bucket missing")}
	cfg := linuxConfig()
	cfg.Upload = true
	cfg.Strip.Enabled = true
	cfg.ExtraCompileFlags = []string{"-g"}
	opts := fixedOptions(r)
	opts.Uploader = up

	report, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), cfg, opts)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	require.Len(t, up.records, 1)
	rec := up.records[0]
	assert.Equal(t, "00000000-0000-4000-8000-000000000001", rec.RunID)
	assert.Equal(t, []string{"gcc", "g++"}, rec.Compilers)
	assert.Equal(t, []string{"-O0", "-g"}, rec.Flags)
	assert.True(t, rec.Stripped)
	assert.True(t, rec.Succeeded)
	assert.Equal(t, "hello.s", rec.AssemblyPath)
	assert.Equal(t, p.Dir, rec.Dir)
}

func TestRunMatrixUploadDisabled(t *testing.T) {
	r := newFakeRunner(t)
	up := &recordingUploader{}
	opts := fixedOptions(r)
	opts.Uploader = up

	_, err := roundtrip.RunMatrix(context.Background(), newProject(t), oneCell(), linuxConfig(), opts)
	require.NoError(t, err)
	assert.Empty(t, up.records)
}

func assertClass(t *testing.T, err error, class rterr.FailureClass) {
	t.Helper()
	require.Error(t, err)
	var rerr *rterr.Error
	require.True(t, errors.As(err, &rerr), "want *rterr.Error, got %T: %v", err, err)
	assert.Equal(t, class, rerr.Class)
}
