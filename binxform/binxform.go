// Package binxform applies destructive binary transforms (symbol stripping,
// section stripping) to scoped copies of a binary.
//
// The original binary is never modified. Every derivative created by Acquire
// is removed by Scope.Release, whether the transforms succeeded or not.
package binxform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

// Lineage records whether an artifact is the original binary or a derivative.
type Lineage string

const (
	Original        Lineage = "original"
	Stripped        Lineage = "stripped"
	SectionStripped Lineage = "section-stripped"
)

const (
	StrippedSuffix        = ".stripped"
	SectionStrippedSuffix = ".sstripped"

	DefaultStripTool        = "strip"
	DefaultSectionStripTool = "sstrip"
)

// Artifact is a binary path plus its lineage. Path is relative to the
// directory commands run in, unless absolute.
type Artifact struct {
	Path    string
	Lineage Lineage
}

// Transform describes one copy-then-rewrite step.
type Transform struct {
	Lineage Lineage
	Suffix  string
	Tool    string
	// Flags precede the target path.
	Flags []string
	// ExtraFlags follow the target path.
	ExtraFlags []string
}

// Strip removes unneeded symbols from a copy suffixed ".stripped".
func Strip(tool string, extraFlags []string) Transform {
	if tool == "" {
		tool = DefaultStripTool
	}
	return Transform{
		Lineage:    Stripped,
		Suffix:     StrippedSuffix,
		Tool:       tool,
		Flags:      []string{"--strip-unneeded"},
		ExtraFlags: append([]string(nil), extraFlags...),
	}
}

// SectionStrip removes section headers from a copy suffixed ".sstripped".
func SectionStrip(tool string) Transform {
	if tool == "" {
		tool = DefaultSectionStripTool
	}
	return Transform{
		Lineage: SectionStripped,
		Suffix:  SectionStrippedSuffix,
		Tool:    tool,
	}
}

var (
	// ErrCopy marks a failure to copy the binary before a transform.
	ErrCopy = errors.New("copy binary")
	// ErrWrap marks a failure to place a transform tool inside the
	// execution environment.
	ErrWrap = errors.New("wrap transform tool")
)

// Wrapper places a command inside an execution environment.
type Wrapper interface {
	Wrap(dir string, argv []string) ([]string, error)
}

// Exec carries what a transform needs to launch its tool.
type Exec struct {
	Runner executil.CommandRunner
	Env    Wrapper
	Dir    string
}

// Scope owns the derivatives created for one disassembly.
type Scope struct {
	dir      string
	created  []string
	current  Artifact
	usable   bool
	failure  string
	released bool
}

// Acquire copies binary and applies transforms in order, each to the previous
// one's output. A tool exiting non-zero leaves the scope unusable and skips
// the remaining transforms; it is not an error. An error is returned only when
// a step cannot run at all, after everything created so far has been removed.
// Copy and wrap failures match ErrCopy and ErrWrap.
func Acquire(ctx context.Context, x Exec, binary string, transforms ...Transform) (*Scope, error) {
	s := &Scope{
		dir:     x.Dir,
		current: Artifact{Path: binary, Lineage: Original},
		usable:  true,
	}
	for _, t := range transforms {
		ok, err := s.apply(ctx, x, t)
		if err != nil {
			if relErr := s.Release(); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, err
		}
		if !ok {
			s.usable = false
			break
		}
	}
	return s, nil
}

// Binary returns the artifact in scope. ok is false when a transform failed,
// in which case no binary should be disassembled.
func (s *Scope) Binary() (Artifact, bool) {
	if !s.usable {
		return Artifact{}, false
	}
	return s.current, true
}

// Failure describes the transform failure, if any.
func (s *Scope) Failure() string {
	return s.failure
}

// Derivatives lists the derivative paths created by this scope.
func (s *Scope) Derivatives() []string {
	return append([]string(nil), s.created...)
}

// Release removes every derivative. It is safe to call more than once.
func (s *Scope) Release() error {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	var errs []error
	for i := len(s.created) - 1; i >= 0; i-- {
		if err := os.Remove(s.resolve(s.created[i])); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", s.created[i], err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) apply(ctx context.Context, x Exec, t Transform) (bool, error) {
	target := s.current.Path + t.Suffix
	// Registered before the copy so a partial copy is also removed.
	s.created = append(s.created, target)
	if err := copyFile(s.resolve(s.current.Path), s.resolve(target)); err != nil {
		return false, fmt.Errorf("%w %s for %s: %w", ErrCopy, s.current.Path, t.Lineage, err)
	}

	argv := make([]string, 0, len(t.Flags)+len(t.ExtraFlags)+2)
	argv = append(argv, t.Tool)
	argv = append(argv, t.Flags...)
	argv = append(argv, target)
	argv = append(argv, t.ExtraFlags...)
	if x.Env != nil {
		wrapped, err := x.Env.Wrap(x.Dir, argv)
		if err != nil {
			return false, fmt.Errorf("%w %s: %w", ErrWrap, t.Tool, err)
		}
		argv = wrapped
	}
	res, err := x.Runner.Run(ctx, executil.Command{Argv: argv, Dir: x.Dir})
	if err != nil {
		return false, fmt.Errorf("%s: %w", t.Tool, err)
	}
	if !res.OK() {
		s.failure = fmt.Sprintf("%s exited %d: %s", t.Tool, res.ExitCode, strings.TrimSpace(res.Output))
		return false, nil
	}
	s.current = Artifact{Path: target, Lineage: t.Lineage}
	return true, nil
}

func (s *Scope) resolve(p string) string {
	if filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
