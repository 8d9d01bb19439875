package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/lattice-substrate/rtcheck/asmdb"
	"github.com/lattice-substrate/rtcheck/logging"
	"github.com/lattice-substrate/rtcheck/roundtrip"
	"github.com/lattice-substrate/rtcheck/rterr"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

// EnvChroot names the isolated root when neither a flag nor the
// configuration does.
const EnvChroot = "RTCHECK_MAKE_CHROOT"

// Replaced in tests.
var (
	newRunner = func(echo io.Writer) executil.CommandRunner { return executil.OSRunner{Echo: echo} }
	getenv    = os.Getenv
	openSinks = asmdb.FromEnv
)

type options struct {
	Config string `long:"config" value-name:"FILE" description:"project configuration (.yaml, .yml, .toml or .json); flags override it"`

	CCompilers    []string `long:"c-compiler" value-name:"CC" description:"C compiler, paired by position with --cxx-compiler (repeatable)"`
	CXXCompilers  []string `long:"cxx-compiler" value-name:"CXX" description:"C++ compiler (repeatable)"`
	Optimizations []string `long:"optimization" value-name:"FLAG" description:"optimization level (repeatable)"`

	ExtraCompileFlags    []string `long:"extra-compile-flag" value-name:"FLAG" description:"extra flag for the project build (repeatable)"`
	ExtraReassembleFlags []string `long:"extra-reassemble-flag" value-name:"FLAG" description:"extra flag for reassembly (repeatable, default -no-pie)"`
	ExtraLinkFlags       []string `long:"extra-link-flag" value-name:"FLAG" description:"extra flag for the linker (repeatable)"`
	ExtraStripFlags      []string `long:"extra-strip-flag" value-name:"FLAG" description:"extra flag for strip (repeatable)"`
	ExtraDisasmFlags     []string `long:"extra-disassembler-flag" value-name:"FLAG" description:"extra flag for the disassembler (repeatable)"`

	ReassemblyCompiler string `long:"reassembly-compiler" value-name:"PATH" description:"compiler or assembler used to reassemble (default gcc)"`
	Reassembly         string `long:"reassembly" choice:"direct" choice:"makefile" choice:"skip" description:"reassembly strategy"`
	Linker             string `long:"linker" value-name:"PATH" description:"link the reassembled object with this linker"`
	Disassembler       string `long:"disassembler" value-name:"PATH" description:"disassembler (default ddisasm)"`
	Platform           string `long:"platform" choice:"linux" choice:"windows" description:"target platform (default host)"`

	StripExe       string `long:"strip-exe" value-name:"PATH" description:"strip tool (default strip)"`
	Strip          bool   `long:"strip" description:"strip symbols from a copy before disassembly"`
	SStrip         bool   `long:"sstrip" description:"strip section headers from a copy before disassembly"`
	SkipTest       bool   `long:"skip-test" description:"do not run the functional tests"`
	SkipReassemble bool   `long:"skip-reassemble" description:"disassemble only"`
	NoBuiltins     bool   `long:"no-builtin-checks" description:"run only the configured structural checks"`

	ExecWrapper string `long:"exec-wrapper" value-name:"CMD" description:"wrapper used to run test binaries (EXEC)"`
	Arch        string `long:"arch" value-name:"ARCH" description:"target architecture (TARGET_ARCH)"`
	Chroot      string `long:"chroot" value-name:"NAME" description:"run builds inside this schroot (env RTCHECK_MAKE_CHROOT)"`

	Upload   bool   `long:"upload" description:"upload assembly and artifacts to the sinks configured in RTCHECK_* variables"`
	Report   string `long:"report" value-name:"FILE" description:"write the canonical JSON report here"`
	LogLevel string `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"notice" choice:"warn" choice:"error" description:"log level"`

	Args struct {
		ProjectDir string `positional-arg-name:"project-dir" description:"directory with the project build"`
		Binary     string `positional-arg-name:"binary" description:"binary the build produces, relative to project-dir"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "rtcheck"
	parser.Usage = "[OPTIONS] <project-dir> <binary>"
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return rterr.ExitSuccess
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return rterr.CLIUsage.ExitCode()
	}

	if err := logging.Level.SetByName(opts.LogLevel); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return rterr.CLIUsage.ExitCode()
	}
	logger := logging.New(stderr)

	matrix, cfg, err := resolveConfig(opts)
	if err != nil {
		return fail(stderr, rterr.Wrap(rterr.Configuration, "configuration", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var echo io.Writer
	if logging.Level.Enabled(slog.LevelDebug) {
		echo = stderr
	}
	runOpts := roundtrip.RunOptions{
		Runner:       newRunner(echo),
		Logger:       logger,
		Orchestrator: "rtcheck",
	}
	if cfg.Upload {
		sinks, err := openSinks(ctx, getenv)
		if err != nil {
			return fail(stderr, rterr.Wrap(rterr.Configuration, "upload sinks", err))
		}
		defer func() { _ = sinks.Close() }()
		if sinks.Uploader != nil {
			runOpts.Uploader = sinks.Uploader
		}
	}

	project := roundtrip.Project{
		Name:   filepath.Base(filepath.Clean(opts.Args.ProjectDir)),
		Dir:    opts.Args.ProjectDir,
		Binary: opts.Args.Binary,
	}
	report, err := roundtrip.RunMatrix(ctx, project, matrix, cfg, runOpts)
	if err != nil {
		return fail(stderr, err)
	}

	if opts.Report != "" {
		if err := roundtrip.WriteReport(opts.Report, report); err != nil {
			return fail(stderr, rterr.Wrap(rterr.InternalIO, "report", err))
		}
		logger.Info("report written", "path", opts.Report)
	}
	if err := roundtrip.Summary(stdout, report); err != nil {
		return fail(stderr, rterr.Wrap(rterr.InternalIO, "summary", err))
	}
	if !report.Passed {
		return rterr.ExitFailed
	}
	return rterr.ExitSuccess
}

// resolveConfig layers defaults, the configuration file, the environment and
// flags, in increasing precedence.
func resolveConfig(opts options) (roundtrip.Matrix, roundtrip.Config, error) {
	var (
		matrix roundtrip.Matrix
		cfg    roundtrip.Config
	)
	if opts.Config != "" {
		pc, err := roundtrip.LoadProjectConfig(opts.Config)
		if err != nil {
			return matrix, cfg, err
		}
		matrix, cfg = pc.Matrix, pc.Pipeline
	}

	if len(opts.CCompilers) > 0 || len(opts.CXXCompilers) > 0 {
		matrix.Compilers = opts.CCompilers
		matrix.CXXCompilers = opts.CXXCompilers
	}
	if len(opts.Optimizations) > 0 {
		matrix.Optimizations = opts.Optimizations
	}

	setSlice(&cfg.ExtraCompileFlags, opts.ExtraCompileFlags)
	setSlice(&cfg.ExtraReassembleFlags, opts.ExtraReassembleFlags)
	setSlice(&cfg.ExtraLinkFlags, opts.ExtraLinkFlags)
	setSlice(&cfg.Strip.ExtraFlags, opts.ExtraStripFlags)
	setSlice(&cfg.ExtraDisassemblerFlags, opts.ExtraDisasmFlags)
	setString(&cfg.ReassemblyCompiler, opts.ReassemblyCompiler)
	setString(&cfg.Linker, opts.Linker)
	setString(&cfg.Disassembler, opts.Disassembler)
	setString(&cfg.Strip.Tool, opts.StripExe)
	setString(&cfg.ExecWrapper, opts.ExecWrapper)
	setString(&cfg.Arch, opts.Arch)
	if cfg.Chroot == "" {
		cfg.Chroot = getenv(EnvChroot)
	}
	setString(&cfg.Chroot, opts.Chroot)
	if opts.Reassembly != "" {
		cfg.Reassembly = roundtrip.ReassemblyKind(opts.Reassembly)
	}
	if opts.SkipReassemble {
		cfg.Reassembly = roundtrip.ReassembleSkip
	}
	if opts.Platform != "" {
		cfg.Platform = roundtrip.Platform(opts.Platform)
	}
	cfg.Strip.Enabled = cfg.Strip.Enabled || opts.Strip
	cfg.SectionStrip.Enabled = cfg.SectionStrip.Enabled || opts.SStrip
	cfg.SkipTest = cfg.SkipTest || opts.SkipTest
	cfg.NoBuiltinChecks = cfg.NoBuiltinChecks || opts.NoBuiltins
	cfg.Upload = cfg.Upload || opts.Upload

	matrix.ApplyDefaults()
	cfg.ApplyDefaults()
	if err := roundtrip.ValidateMatrix(&matrix); err != nil {
		return matrix, cfg, err
	}
	if err := roundtrip.Validate(&cfg); err != nil {
		return matrix, cfg, err
	}
	return matrix, cfg, nil
}

func setSlice(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// fail reports err and maps it to the exit code of its class. Errors
// without a class are internal.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	var rerr *rterr.Error
	if errors.As(err, &rerr) {
		return rerr.Class.ExitCode()
	}
	return rterr.InternalError.ExitCode()
}
