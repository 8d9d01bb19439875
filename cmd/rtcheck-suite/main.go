package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/lattice-substrate/rtcheck/asmdb"
	"github.com/lattice-substrate/rtcheck/logging"
	"github.com/lattice-substrate/rtcheck/roundtrip"
	"github.com/lattice-substrate/rtcheck/rterr"
	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

const envChroot = "RTCHECK_MAKE_CHROOT"

// Replaced in tests.
var (
	newRunner = func(echo io.Writer) executil.CommandRunner { return executil.OSRunner{Echo: echo} }
	getenv    = os.Getenv
	openSinks = asmdb.FromEnv
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		writeUsage(stdout)
		return rterr.ExitSuccess
	}

	sub, rest := args[0], args[1:]
	var err error
	switch sub {
	case "run":
		var code int
		code, err = cmdRun(rest, stdout, stderr)
		if err == nil {
			return code
		}
	case "report":
		var code int
		code, err = cmdReport(rest, stdout)
		if err == nil {
			return code
		}
	case "schema":
		err = cmdSchema(rest, stdout)
	case "preflight":
		err = cmdPreflight(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "error: unknown subcommand %q\n", sub)
		writeUsage(stderr)
		return rterr.CLIUsage.ExitCode()
	}
	if err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return rterr.ExitSuccess
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return rterr.ExitSuccess
}

func writeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: rtcheck-suite <subcommand> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "subcommands:")
	fmt.Fprintln(w, "  run        run every project of a suite and write the report")
	fmt.Fprintln(w, "  report     summarize a report")
	fmt.Fprintln(w, "  schema     print the JSON schema of suite documents")
	fmt.Fprintln(w, "  preflight  check that every tool a suite needs can be launched")
}

func exitCode(err error) int {
	var rerr *rterr.Error
	if errors.As(err, &rerr) {
		return rerr.Class.ExitCode()
	}
	var ferr *flags.Error
	if errors.As(err, &ferr) {
		return rterr.CLIUsage.ExitCode()
	}
	return rterr.InternalError.ExitCode()
}

// parse parses args into opts, mapping failures to CLI_USAGE. Help is
// passed through unwrapped.
func parse(name string, opts any, args []string) error {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "rtcheck-suite " + name
	rest, err := parser.ParseArgs(args)
	if err != nil {
		if flags.WroteHelp(err) {
			return err
		}
		return rterr.Wrap(rterr.CLIUsage, name, err)
	}
	if len(rest) > 0 {
		return rterr.Newf(rterr.CLIUsage, "%s: unexpected arguments %v", name, rest)
	}
	return nil
}

type runOptions struct {
	Suite    string   `long:"suite" required:"yes" value-name:"FILE" description:"suite document (.yaml, .yml, .toml or .json)"`
	Report   string   `long:"report" value-name:"FILE" description:"write the canonical JSON report here"`
	Projects []string `long:"project" value-name:"NAME" description:"run only these projects (repeatable)"`
	Upload   bool     `long:"upload" description:"force uploads for every project"`
	LogLevel string   `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"notice" choice:"warn" choice:"error" description:"log level"`
}

func cmdRun(args []string, stdout, stderr io.Writer) (int, error) {
	var opts runOptions
	if err := parse("run", &opts, args); err != nil {
		return 0, err
	}
	if err := logging.Level.SetByName(opts.LogLevel); err != nil {
		return 0, rterr.Wrap(rterr.CLIUsage, "log level", err)
	}
	logger := logging.New(stderr)

	suite, err := loadSuite(opts.Suite, opts.Projects)
	if err != nil {
		return 0, err
	}
	upload := false
	for i := range suite.Projects {
		if opts.Upload {
			suite.Projects[i].Pipeline.Upload = true
		}
		upload = upload || suite.Projects[i].Pipeline.Upload
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
		Orchestrator: "rtcheck-suite",
	}
	if upload {
		sinks, err := openSinks(ctx, getenv)
		if err != nil {
			return 0, rterr.Wrap(rterr.Configuration, "upload sinks", err)
		}
		defer func() { _ = sinks.Close() }()
		if sinks.Uploader != nil {
			runOpts.Uploader = sinks.Uploader
		}
	}

	report, err := roundtrip.RunSuite(ctx, suite, runOpts)
	if err != nil {
		return 0, err
	}
	if opts.Report != "" {
		if err := roundtrip.WriteReport(opts.Report, report); err != nil {
			return 0, rterr.Wrap(rterr.InternalIO, "report", err)
		}
		fmt.Fprintf(stdout, "report: %s\n", opts.Report)
	}
	if err := roundtrip.Summary(stdout, report); err != nil {
		return 0, rterr.Wrap(rterr.InternalIO, "summary", err)
	}
	if !report.Passed {
		return rterr.ExitFailed, nil
	}
	return rterr.ExitSuccess, nil
}

// loadSuite loads the suite, keeps only the named projects when any are
// given, and fills in the chroot from the environment.
func loadSuite(path string, only []string) (*roundtrip.Suite, error) {
	suite, err := roundtrip.LoadSuite(path)
	if err != nil {
		return nil, rterr.Wrap(rterr.Configuration, "suite", err)
	}
	if len(only) > 0 {
		want := make(map[string]bool, len(only))
		for _, name := range only {
			want[name] = true
		}
		kept := suite.Projects[:0]
		for _, p := range suite.Projects {
			if want[p.Name] {
				kept = append(kept, p)
				delete(want, p.Name)
			}
		}
		for name := range want {
			return nil, rterr.Newf(rterr.Configuration, "suite has no project %q", name)
		}
		suite.Projects = kept
	}
	if chroot := getenv(envChroot); chroot != "" {
		for i := range suite.Projects {
			if suite.Projects[i].Pipeline.Chroot == "" {
				suite.Projects[i].Pipeline.Chroot = chroot
			}
		}
	}
	return suite, nil
}

type reportOptions struct {
	Report string `long:"report" required:"yes" value-name:"FILE" description:"report written by run"`
	Check  bool   `long:"check" description:"exit 1 when the report did not pass"`
}

func cmdReport(args []string, stdout io.Writer) (int, error) {
	var opts reportOptions
	if err := parse("report", &opts, args); err != nil {
		return 0, err
	}
	report, err := roundtrip.ReadReport(opts.Report)
	if err != nil {
		return 0, rterr.Wrap(rterr.Configuration, "report", err)
	}
	fmt.Fprintf(stdout, "schema: %s\n", report.SchemaVersion)
	fmt.Fprintf(stdout, "orchestrator: %s\n", report.Orchestrator)
	fmt.Fprintf(stdout, "config_sha256: %s\n", report.ConfigSHA256)
	if err := roundtrip.Summary(stdout, report); err != nil {
		return 0, rterr.Wrap(rterr.InternalIO, "summary", err)
	}
	if opts.Check && !report.Passed {
		return rterr.ExitFailed, nil
	}
	return rterr.ExitSuccess, nil
}

type schemaOptions struct{}

func cmdSchema(args []string, stdout io.Writer) error {
	if err := parse("schema", &schemaOptions{}, args); err != nil {
		return err
	}
	data, err := roundtrip.Schema()
	if err != nil {
		return rterr.Wrap(rterr.InternalError, "schema", err)
	}
	_, err = stdout.Write(data)
	return err
}

type preflightOptions struct {
	Suite    string   `long:"suite" required:"yes" value-name:"FILE" description:"suite document"`
	Projects []string `long:"project" value-name:"NAME" description:"check only these projects (repeatable)"`
}

func cmdPreflight(args []string, stdout, stderr io.Writer) error {
	var opts preflightOptions
	if err := parse("preflight", &opts, args); err != nil {
		return err
	}
	suite, err := loadSuite(opts.Suite, opts.Projects)
	if err != nil {
		return err
	}
	ctx := context.Background()
	runner := newRunner(nil)

	var missing []error
	for _, p := range suite.Projects {
		iv := roundtrip.Invoker{
			Runner:   runner,
			Env:      roundtrip.NewEnvironment(p.Pipeline, runner),
			Dir:      p.Dir,
			Platform: p.Pipeline.Platform,
			Logger:   logging.New(stderr),
		}
		statuses, err := roundtrip.Preflight(ctx, iv, p.Matrix, p.Pipeline)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
		for _, s := range statuses {
			state := "ok"
			if !s.Found {
				state = "missing"
			}
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", p.Name, s.Tool, state, s.Detail)
		}
		if err := roundtrip.Missing(statuses); err != nil {
			missing = append(missing, fmt.Errorf("project %s: %w", p.Name, err))
		}
	}
	if len(missing) > 0 {
		return rterr.Wrap(rterr.ToolLaunch, "preflight", errors.Join(missing...))
	}
	fmt.Fprintln(stdout, "ok")
	return nil
}
