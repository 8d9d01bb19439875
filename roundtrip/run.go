package roundtrip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/lattice-substrate/rtcheck/asmdb"
	"github.com/lattice-substrate/rtcheck/cfgcheck"
	"github.com/lattice-substrate/rtcheck/logging"
	"github.com/lattice-substrate/rtcheck/rterr"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
	"github.com/lattice-substrate/rtcheck/runtime/local"
	"github.com/lattice-substrate/rtcheck/runtime/schroot"
)

// LockFileName is the file in the project directory a run holds a lock on.
const LockFileName = ".rtcheck.lock"

// Project is a directory with a build, and the binary it produces.
type Project struct {
	Name   string `yaml:"name" toml:"name" json:"name"`
	Dir    string `yaml:"dir" toml:"dir" json:"dir"`
	Binary string `yaml:"binary" toml:"binary" json:"binary"`
}

func (p Project) validate() error {
	if p.Dir == "" {
		return fmt.Errorf("project dir is required")
	}
	if p.Binary == "" {
		return fmt.Errorf("project binary is required")
	}
	if filepath.IsAbs(p.Binary) {
		return fmt.Errorf("project binary %q must be relative to the project dir", p.Binary)
	}
	info, err := os.Stat(p.Dir)
	if err != nil {
		return fmt.Errorf("project dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project dir %q is not a directory", p.Dir)
	}
	return nil
}

// RunOptions carries the collaborators of a run. Zero values select the
// process runner, an environment chosen from Config.Chroot, a discarding
// logger, and no upload sink.
type RunOptions struct {
	Runner       executil.CommandRunner
	Env          Environment
	Logger       *slog.Logger
	Uploader     asmdb.Uploader
	Now          func() time.Time
	NewID        func() string
	Orchestrator string
}

func (o RunOptions) withDefaults(cfg Config) RunOptions {
	if o.Runner == nil {
		o.Runner = executil.OSRunner{}
	}
	if o.Env == nil {
		o.Env = NewEnvironment(cfg, o.Runner)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	if o.Orchestrator == "" {
		o.Orchestrator = "rtcheck"
	}
	return o
}

// NewEnvironment returns the schroot environment named by cfg.Chroot, or
// the host.
func NewEnvironment(cfg Config, r executil.CommandRunner) Environment {
	if cfg.Chroot != "" {
		return schroot.NewAdapter(cfg.Chroot, r)
	}
	return local.New()
}

// RunMatrix runs every cell of m for one project and returns the report.
// Stage failures are counted in the report; the error is non-nil only for
// configuration problems and launch or I/O failures, which abort the run.
func RunMatrix(ctx context.Context, p Project, m Matrix, cfg Config, opts RunOptions) (*Report, error) {
	m.ApplyDefaults()
	cfg.ApplyDefaults()
	opts = opts.withDefaults(cfg)
	report, err := newReport(opts, map[string]any{"project": p, "matrix": m, "config": cfg})
	if err != nil {
		return nil, err
	}
	pr, err := runProject(ctx, p, m, cfg, opts, report.RunID)
	if err != nil {
		return nil, err
	}
	report.add(pr)
	return report, nil
}

func newReport(opts RunOptions, digestOf any) (*Report, error) {
	digest, err := configDigest(digestOf)
	if err != nil {
		return nil, rterr.Wrap(rterr.InternalError, "config digest", err)
	}
	return &Report{
		SchemaVersion:  ReportSchemaVersion,
		RunID:          opts.NewID(),
		GeneratedAtUTC: opts.Now().UTC().Format(time.RFC3339),
		Orchestrator:   opts.Orchestrator,
		Environment:    opts.Env.Name(),
		ConfigSHA256:   digest,
		Projects:       []ProjectReport{},
		Passed:         true,
	}, nil
}

func runProject(ctx context.Context, p Project, m Matrix, cfg Config, opts RunOptions, runID string) (ProjectReport, error) {
	if p.Name == "" {
		p.Name = filepath.Base(filepath.Clean(p.Dir))
	}
	if err := ValidateMatrix(&m); err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.Configuration, "matrix", err)
	}
	if err := Validate(&cfg); err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.Configuration, "config", err)
	}
	if err := p.validate(); err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.Configuration, "project "+p.Name, err)
	}
	reassembler, err := NewReassembler(cfg.Reassembly)
	if err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.Configuration, "reassembly", err)
	}
	if err := opts.Env.Resolve(ctx); err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.Configuration, "execution environment "+opts.Env.Name(), err)
	}

	lock := flock.New(filepath.Join(p.Dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return ProjectReport{}, rterr.Wrap(rterr.InternalIO, "lock project", err)
	}
	if !locked {
		return ProjectReport{}, rterr.Newf(rterr.Configuration, "project %s is locked by another run", p.Dir)
	}
	// The file outlives the run; unlinking it would let a waiting run lock a
	// different inode.
	defer func() { _ = lock.Unlock() }()

	log := opts.Logger.With("project", p.Name)
	iv := Invoker{Runner: opts.Runner, Env: opts.Env, Dir: p.Dir, Platform: cfg.Platform, Logger: log}
	cr := cellRunner{
		iv:          iv,
		project:     p,
		reassembler: reassembler,
		verifier:    cfgcheck.Verifier{Logger: log},
		uploader:    opts.Uploader,
		now:         opts.Now,
		runID:       runID,
		log:         log,
	}

	pr := ProjectReport{Name: p.Name, Dir: p.Dir, Binary: p.Binary, Cells: []CellResult{}}
	for _, cell := range m.Cells() {
		if err := ctx.Err(); err != nil {
			return ProjectReport{}, rterr.Wrap(rterr.InternalError, "run interrupted", err)
		}
		res, err := cr.run(ctx, PipelineConfiguration{Cell: cell, Config: cfg}, &pr.Tally)
		if err != nil {
			return ProjectReport{}, err
		}
		pr.Cells = append(pr.Cells, res)
	}
	pr.Passed = pr.Tally.Passed()
	logging.Notice(log, "matrix complete", "passed", pr.Passed, "tally", pr.Tally.String())
	return pr, nil
}

type cellRunner struct {
	iv          Invoker
	project     Project
	reassembler Reassembler
	verifier    cfgcheck.Verifier
	uploader    asmdb.Uploader
	now         func() time.Time
	runID       string
	log         *slog.Logger
}

// run takes one cell through the pipeline, stopping at the first failed
// stage. Verification and upload happen whether or not disassembly
// succeeded, so a partial IR still contributes its defects.
func (c cellRunner) run(ctx context.Context, pc PipelineConfiguration, tally *Tally) (CellResult, error) {
	cell, cfg := pc.Cell, pc.Config
	log := c.log.With("cell", cell.String())
	iv := c.iv
	iv.Logger = log
	binary := c.project.Binary
	res := CellResult{Cell: cell, Stages: []StageResult{}}

	log.Info("building")
	build, err := Build(ctx, iv, BuildRequest{
		Compiler:     cell.Compiler,
		CXXCompiler:  cell.CXXCompiler,
		Optimization: cell.Optimization,
		ExtraFlags:   cfg.ExtraCompileFlags,
		ExecWrapper:  cfg.ExecWrapper,
		Arch:         cfg.Arch,
	})
	if err != nil {
		return CellResult{}, err
	}
	res.Stages = append(res.Stages, build)
	if !build.OK {
		log.Error("build failed", "detail", build.Detail)
		tally.Compile++
		return res, nil
	}

	disasm, err := Disassemble(ctx, iv, DisassemblyRequest{
		Disassembler: cfg.Disassembler,
		Binary:       binary,
		Outputs: []Output{
			{Format: FormatAsm, Path: AssemblyPath(binary)},
			{Format: FormatJSON, Path: IRPath(binary)},
		},
		Timeout:    time.Duration(cfg.DisassemblyTimeout),
		ExtraArgs:  cfg.ExtraDisassemblerFlags,
		Transforms: cfg.Transforms(),
	})
	if err != nil {
		return CellResult{}, err
	}
	res.Stages = append(res.Stages, disasm)

	if checks := cfg.StructuralChecks(); len(checks) > 0 && iv.exists(IRPath(binary)) {
		res.Stages = append(res.Stages, c.verify(iv, checks, &res))
	}

	if cfg.Upload {
		c.upload(ctx, iv, pc, disasm)
	}
	logging.Notice(log, "disassembly finished", "ok", disasm.OK, "elapsed", disasm.Elapsed)

	tally.Structural += res.Defects
	if !disasm.OK {
		log.Error("disassembly failed", "detail", disasm.Detail)
		tally.Disassembly++
		return res, nil
	}

	reasm, err := c.reassembler.Reassemble(ctx, iv, ReassembleRequest{
		Compiler: cfg.ReassemblyCompiler,
		Binary:   binary,
		Flags:    cfg.ExtraReassembleFlags,
	})
	if err != nil {
		return CellResult{}, err
	}
	res.Stages = append(res.Stages, reasm)
	if !reasm.OK {
		log.Error("reassembly failed", "detail", reasm.Detail)
		tally.Reassembly++
		return res, nil
	}

	if cfg.Linker != "" {
		link, err := Link(ctx, iv, LinkRequest{
			Linker:  cfg.Linker,
			Binary:  binary,
			Objects: []string{ObjectPath(binary)},
			Flags:   cfg.ExtraLinkFlags,
		})
		if err != nil {
			return CellResult{}, err
		}
		res.Stages = append(res.Stages, link)
		if !link.OK {
			log.Error("link failed", "detail", link.Detail)
			tally.Link++
			return res, nil
		}
	}

	if cfg.SkipTest || c.reassembler.Kind() == ReassembleSkip {
		log.Info("no testing")
		return res, nil
	}
	test, err := Test(ctx, iv, TestRequest{
		ExecWrapper: cfg.ExecWrapper,
		Timeout:     time.Duration(cfg.TestTimeout),
	})
	if err != nil {
		return CellResult{}, err
	}
	res.Stages = append(res.Stages, test)
	if !test.OK {
		log.Error("functional test failed", "detail", test.Detail)
		tally.Test++
		return res, nil
	}
	log.Info("cell passed")
	return res, nil
}

// verify records the structural defects in res. An unreadable IR counts as
// one defect.
func (c cellRunner) verify(iv Invoker, checks []cfgcheck.Spec, res *CellResult) StageResult {
	started := time.Now()
	defects, err := c.verifier.Verify(iv.path(IRPath(c.project.Binary)), checks)
	sr := StageResult{Stage: StageVerify, Elapsed: time.Since(started)}
	sr.ElapsedMS = sr.Elapsed.Milliseconds()
	if err != nil {
		iv.log().Error("structural verification could not read the IR", "err", err)
		res.StructuralReadError = err.Error()
		res.Defects = 1
		sr.Class = rterr.StructuralRead
		sr.Detail = err.Error()
		return sr
	}
	res.Defects = defects
	sr.OK = defects == 0
	if !sr.OK {
		sr.Class = rterr.StructuralDefect
		sr.Detail = fmt.Sprintf("%d of %d checks failed", defects, len(checks))
	}
	return sr
}

// upload hands the disassembly to the configured sinks. Failures are
// logged and never counted.
func (c cellRunner) upload(ctx context.Context, iv Invoker, pc PipelineConfiguration, disasm StageResult) {
	cell, cfg := pc.Cell, pc.Config
	if c.uploader == nil {
		iv.log().Warn("upload requested but no sink is configured")
		return
	}
	binary := c.project.Binary
	if !iv.exists(AssemblyPath(binary)) {
		iv.log().Warn("nothing to upload", "missing", AssemblyPath(binary))
		return
	}
	rec := asmdb.Record{
		RunID:        c.runID,
		Project:      c.project.Name,
		Binary:       binary,
		Compilers:    []string{cell.Compiler, cell.CXXCompiler},
		Flags:        append([]string{cell.Optimization}, cfg.ExtraCompileFlags...),
		Stripped:     cfg.Strip.Enabled || cfg.SectionStrip.Enabled,
		Dir:          c.project.Dir,
		AssemblyPath: AssemblyPath(binary),
		IRPath:       IRPath(binary),
		Elapsed:      disasm.Elapsed,
		Succeeded:    disasm.OK,
		CreatedAt:    c.now(),
	}
	if err := c.uploader.Upload(ctx, rec); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				iv.log().Warn("upload failed", "err", e)
			}
			return
		}
		iv.log().Warn("upload failed", "err", err)
		return
	}
	iv.log().Info("uploaded disassembly", "binary", binary)
}
