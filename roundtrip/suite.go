package roundtrip

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/lattice-substrate/rtcheck/rterr"
)

const SuiteVersion = "suite.v1"

// Suite is a list of projects run one after another into a single report.
type Suite struct {
	Version  string         `yaml:"version" toml:"version" json:"version" jsonschema:"enum=suite.v1"`
	Projects []SuiteProject `yaml:"projects" toml:"projects" json:"projects" jsonschema:"minItems=1"`
}

// SuiteProject is one project with its own matrix and pipeline settings.
type SuiteProject struct {
	Name     string `yaml:"name" toml:"name" json:"name"`
	Dir      string `yaml:"dir" toml:"dir" json:"dir"`
	Binary   string `yaml:"binary" toml:"binary" json:"binary"`
	Matrix   Matrix `yaml:"matrix,omitempty" toml:"matrix,omitempty" json:"matrix,omitempty"`
	Pipeline Config `yaml:"pipeline,omitempty" toml:"pipeline,omitempty" json:"pipeline,omitempty"`
}

func (p SuiteProject) Project() Project {
	return Project{Name: p.Name, Dir: p.Dir, Binary: p.Binary}
}

// LoadSuite reads a suite document. Relative project directories are
// resolved against the document's directory.
func LoadSuite(path string) (*Suite, error) {
	var s Suite
	if err := decodeFile(path, &s); err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i := range s.Projects {
		p := &s.Projects[i]
		if p.Dir != "" && !filepath.IsAbs(p.Dir) {
			p.Dir = filepath.Join(base, p.Dir)
		}
	}
	s.ApplyDefaults()
	if err := ValidateSuite(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) ApplyDefaults() {
	for i := range s.Projects {
		p := &s.Projects[i]
		if p.Name == "" && p.Dir != "" {
			p.Name = filepath.Base(filepath.Clean(p.Dir))
		}
		p.Matrix.ApplyDefaults()
		p.Pipeline.ApplyDefaults()
	}
}

func ValidateSuite(s *Suite) error {
	if s == nil {
		return fmt.Errorf("suite is nil")
	}
	if s.Version != SuiteVersion {
		return fmt.Errorf("unsupported suite version %q", s.Version)
	}
	if len(s.Projects) == 0 {
		return fmt.Errorf("suite must include at least one project")
	}
	seen := make(map[string]bool, len(s.Projects))
	for i := range s.Projects {
		p := &s.Projects[i]
		if p.Name == "" {
			return fmt.Errorf("projects[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Dir == "" || p.Binary == "" {
			return fmt.Errorf("project %s: dir and binary are required", p.Name)
		}
		if err := ValidateMatrix(&p.Matrix); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
		if err := Validate(&p.Pipeline); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
	}
	return nil
}

// RunSuite runs every project in order and sums their tallies. A project
// that aborts aborts the suite. Defaults are applied to s in place.
func RunSuite(ctx context.Context, s *Suite, opts RunOptions) (*Report, error) {
	if s != nil {
		s.ApplyDefaults()
	}
	if err := ValidateSuite(s); err != nil {
		return nil, rterr.Wrap(rterr.Configuration, "suite", err)
	}
	base := opts.withDefaults(Config{})
	report, err := newReport(base, s)
	if err != nil {
		return nil, err
	}
	envs := make(map[string]bool)
	// Projects naming the same chroot share one environment, so it is
	// resolved once per suite.
	byChroot := make(map[string]Environment)
	for _, sp := range s.Projects {
		popts := opts
		popts.Runner, popts.Now, popts.NewID, popts.Logger = base.Runner, base.Now, base.NewID, base.Logger
		if popts.Env == nil {
			env, ok := byChroot[sp.Pipeline.Chroot]
			if !ok {
				env = NewEnvironment(sp.Pipeline, popts.Runner)
				byChroot[sp.Pipeline.Chroot] = env
			}
			popts.Env = env
		}
		popts = popts.withDefaults(sp.Pipeline)
		envs[popts.Env.Name()] = true
		popts.Logger.Info("running project", "project", sp.Name, "cells", len(sp.Matrix.Cells()))
		pr, err := runProject(ctx, sp.Project(), sp.Matrix, sp.Pipeline, popts, report.RunID)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", sp.Name, err)
		}
		report.add(pr)
	}
	names := make([]string, 0, len(envs))
	for n := range envs {
		names = append(names, n)
	}
	sort.Strings(names)
	report.Environment = strings.Join(names, ",")
	return report, nil
}

// Schema returns the JSON schema of the suite document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{}
	schema := r.Reflect(&Suite{})
	schema.Title = "rtcheck suite"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}
