// Package local runs pipeline commands directly on the host.
package local

import "context"

// Environment is the identity execution environment.
type Environment struct{}

// New returns the host environment.
func New() Environment {
	return Environment{}
}

// Resolve has nothing to resolve on the host.
func (Environment) Resolve(context.Context) error {
	return nil
}

// Wrap returns a copy of argv unchanged.
func (Environment) Wrap(_ string, argv []string) ([]string, error) {
	return append([]string(nil), argv...), nil
}

// Name identifies the environment in logs and reports.
func (Environment) Name() string {
	return "local"
}
