// Package schroot runs pipeline commands inside a named schroot root
// filesystem, used for cross-architecture toolchains.
package schroot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lattice-substrate/rtcheck/runtime/executil"
)

// ErrUnresolved is returned by Wrap before Resolve has succeeded.
var ErrUnresolved = errors.New("schroot root is not resolved")

// Adapter wraps commands so they execute inside one named chroot.
type Adapter struct {
	runner executil.CommandRunner
	chroot string

	once sync.Once
	done bool
	root string
	err  error
}

func NewAdapter(chroot string, r executil.CommandRunner) *Adapter {
	if r == nil {
		r = executil.OSRunner{}
	}
	return &Adapter{runner: r, chroot: chroot}
}

// Name identifies the environment in logs and reports.
func (a *Adapter) Name() string {
	return "schroot:" + a.chroot
}

// Resolve queries the chroot location once and caches the outcome,
// including a failed outcome.
func (a *Adapter) Resolve(ctx context.Context) error {
	a.once.Do(func() {
		a.root, a.err = a.locate(ctx)
		a.done = true
	})
	return a.err
}

// Root returns the cached root path.
func (a *Adapter) Root() (string, bool) {
	if !a.done || a.err != nil {
		return "", false
	}
	return a.root, true
}

// Wrap prefixes argv with a schroot invocation that enters the chroot at the
// in-root equivalent of dir and preserves the caller's environment.
func (a *Adapter) Wrap(dir string, argv []string) ([]string, error) {
	if !a.done {
		return nil, ErrUnresolved
	}
	if a.err != nil {
		return nil, fmt.Errorf("schroot %s: %w", a.chroot, a.err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("schroot working dir: %w", err)
	}
	rel, err := filepath.Rel(a.root, abs)
	if err != nil {
		return nil, fmt.Errorf("schroot working dir %s relative to %s: %w", abs, a.root, err)
	}
	wrapped := make([]string, 0, len(argv)+7)
	wrapped = append(wrapped,
		"schroot",
		"--chroot", a.chroot,
		"--directory", rel,
		"--preserve-environment",
		"--",
	)
	return append(wrapped, argv...), nil
}

func (a *Adapter) locate(ctx context.Context) (string, error) {
	if a.chroot == "" {
		return "", fmt.Errorf("chroot name is required")
	}
	res, err := a.runner.Run(ctx, executil.Command{
		Argv: []string{"schroot", "--location", "--chroot", a.chroot},
	})
	if err != nil {
		return "", fmt.Errorf("schroot location query: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("schroot location query exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	root := strings.TrimSpace(res.Output)
	if root == "" {
		return "", fmt.Errorf("schroot location query returned no path for %s", a.chroot)
	}
	return root, nil
}
