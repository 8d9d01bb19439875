package roundtrip

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/lattice-substrate/rtcheck/binxform"
	"github.com/lattice-substrate/rtcheck/cfgcheck"
)

// ReassemblyKind selects the reassembly strategy.
type ReassemblyKind string

const (
	ReassembleDirect   ReassemblyKind = "direct"
	ReassembleMakefile ReassemblyKind = "makefile"
	ReassembleSkip     ReassemblyKind = "skip"
)

// Platform selects the build tool and the direct reassembly command shape.
type Platform string

const (
	Linux   Platform = "linux"
	Windows Platform = "windows"
)

// HostPlatform is the platform the pipeline runs on.
func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return Linux
}

const (
	DefaultReassemblyCompiler = "gcc"
	DefaultDisassembler       = "ddisasm"
	DefaultDisassemblyTimeout = 300 * time.Second
	DefaultTestTimeout        = 60 * time.Second
)

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a string in generated schemas.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
}

// StripConfig controls symbol stripping before disassembly.
type StripConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Tool       string   `yaml:"tool,omitempty" toml:"tool,omitempty" json:"tool,omitempty"`
	ExtraFlags []string `yaml:"extra_flags,omitempty" toml:"extra_flags,omitempty" json:"extra_flags,omitempty"`
}

// SectionStripConfig controls section-header stripping before disassembly.
type SectionStripConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Tool    string `yaml:"tool,omitempty" toml:"tool,omitempty" json:"tool,omitempty"`
}

// Config is everything about a pipeline run except the matrix cell.
type Config struct {
	ExtraCompileFlags      []string           `yaml:"extra_compile_flags,omitempty" toml:"extra_compile_flags,omitempty" json:"extra_compile_flags,omitempty"`
	ReassemblyCompiler     string             `yaml:"reassembly_compiler,omitempty" toml:"reassembly_compiler,omitempty" json:"reassembly_compiler,omitempty"`
	Reassembly             ReassemblyKind     `yaml:"reassembly,omitempty" toml:"reassembly,omitempty" json:"reassembly,omitempty" jsonschema:"enum=direct,enum=makefile,enum=skip"`
	ExtraReassembleFlags   []string           `yaml:"extra_reassemble_flags,omitempty" toml:"extra_reassemble_flags,omitempty" json:"extra_reassemble_flags,omitempty"`
	Linker                 string             `yaml:"linker,omitempty" toml:"linker,omitempty" json:"linker,omitempty"`
	ExtraLinkFlags         []string           `yaml:"extra_link_flags,omitempty" toml:"extra_link_flags,omitempty" json:"extra_link_flags,omitempty"`
	Strip                  StripConfig        `yaml:"strip" toml:"strip" json:"strip"`
	SectionStrip           SectionStripConfig `yaml:"section_strip" toml:"section_strip" json:"section_strip"`
	SkipTest               bool               `yaml:"skip_test,omitempty" toml:"skip_test,omitempty" json:"skip_test,omitempty"`
	ExecWrapper            string             `yaml:"exec_wrapper,omitempty" toml:"exec_wrapper,omitempty" json:"exec_wrapper,omitempty"`
	Arch                   string             `yaml:"arch,omitempty" toml:"arch,omitempty" json:"arch,omitempty"`
	Disassembler           string             `yaml:"disassembler,omitempty" toml:"disassembler,omitempty" json:"disassembler,omitempty"`
	ExtraDisassemblerFlags []string           `yaml:"extra_disassembler_flags,omitempty" toml:"extra_disassembler_flags,omitempty" json:"extra_disassembler_flags,omitempty"`
	Checks                 []cfgcheck.Spec    `yaml:"checks,omitempty" toml:"checks,omitempty" json:"checks,omitempty"`
	NoBuiltinChecks        bool               `yaml:"no_builtin_checks,omitempty" toml:"no_builtin_checks,omitempty" json:"no_builtin_checks,omitempty"`
	Upload                 bool               `yaml:"upload,omitempty" toml:"upload,omitempty" json:"upload,omitempty"`
	DisassemblyTimeout     Duration           `yaml:"disassembly_timeout,omitempty" toml:"disassembly_timeout,omitempty" json:"disassembly_timeout,omitempty"`
	TestTimeout            Duration           `yaml:"test_timeout,omitempty" toml:"test_timeout,omitempty" json:"test_timeout,omitempty"`
	Chroot                 string             `yaml:"chroot,omitempty" toml:"chroot,omitempty" json:"chroot,omitempty"`
	Platform               Platform           `yaml:"platform,omitempty" toml:"platform,omitempty" json:"platform,omitempty" jsonschema:"enum=linux,enum=windows"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields. A nil ExtraReassembleFlags gets the
// default; an explicitly empty list stays empty.
func (c *Config) ApplyDefaults() {
	if c.ReassemblyCompiler == "" {
		c.ReassemblyCompiler = DefaultReassemblyCompiler
	}
	if c.Reassembly == "" {
		c.Reassembly = ReassembleDirect
	}
	if c.ExtraReassembleFlags == nil {
		c.ExtraReassembleFlags = []string{"-no-pie"}
	}
	if c.Strip.Tool == "" {
		c.Strip.Tool = binxform.DefaultStripTool
	}
	if c.SectionStrip.Tool == "" {
		c.SectionStrip.Tool = binxform.DefaultSectionStripTool
	}
	if c.Disassembler == "" {
		c.Disassembler = DefaultDisassembler
	}
	if c.DisassemblyTimeout == 0 {
		c.DisassemblyTimeout = Duration(DefaultDisassemblyTimeout)
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = Duration(DefaultTestTimeout)
	}
	if c.Platform == "" {
		c.Platform = HostPlatform()
	}
}

// StructuralChecks returns the configured checks plus the builtins unless
// they are disabled.
func (c Config) StructuralChecks() []cfgcheck.Spec {
	checks := append([]cfgcheck.Spec(nil), c.Checks...)
	if !c.NoBuiltinChecks {
		checks = append(checks, cfgcheck.Builtins()...)
	}
	return checks
}

// Transforms lists the binary transforms applied before disassembly.
func (c Config) Transforms() []binxform.Transform {
	var ts []binxform.Transform
	if c.Strip.Enabled {
		ts = append(ts, binxform.Strip(c.Strip.Tool, c.Strip.ExtraFlags))
	}
	if c.SectionStrip.Enabled {
		ts = append(ts, binxform.SectionStrip(c.SectionStrip.Tool))
	}
	return ts
}

// Validate checks a configuration with defaults applied.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch c.Reassembly {
	case ReassembleDirect, ReassembleMakefile, ReassembleSkip:
	default:
		return fmt.Errorf("invalid reassembly strategy %q", c.Reassembly)
	}
	switch c.Platform {
	case Linux, Windows:
	default:
		return fmt.Errorf("invalid platform %q", c.Platform)
	}
	if c.Reassembly != ReassembleSkip && c.ReassemblyCompiler == "" {
		return fmt.Errorf("reassembly_compiler is required")
	}
	if c.Disassembler == "" {
		return fmt.Errorf("disassembler is required")
	}
	if c.DisassemblyTimeout < 0 || c.TestTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.Chroot != "" && c.Platform == Windows {
		return fmt.Errorf("chroot is only supported on %s", Linux)
	}
	for i, f := range c.ExtraCompileFlags {
		if f == "" {
			return fmt.Errorf("extra_compile_flags[%d] is empty", i)
		}
	}
	return cfgcheck.Validate(c.Checks)
}

// Matrix is the toolchain matrix: compiler pairs by position, times
// optimization levels.
type Matrix struct {
	Compilers     []string `yaml:"compilers,omitempty" toml:"compilers,omitempty" json:"compilers,omitempty"`
	CXXCompilers  []string `yaml:"cxx_compilers,omitempty" toml:"cxx_compilers,omitempty" json:"cxx_compilers,omitempty"`
	Optimizations []string `yaml:"optimizations,omitempty" toml:"optimizations,omitempty" json:"optimizations,omitempty"`
}

// DefaultMatrix returns the gcc/clang matrix over the usual optimization levels.
func DefaultMatrix() Matrix {
	var m Matrix
	m.ApplyDefaults()
	return m
}

// ApplyDefaults fills empty axes.
func (m *Matrix) ApplyDefaults() {
	if len(m.Compilers) == 0 && len(m.CXXCompilers) == 0 {
		m.Compilers = []string{"gcc", "clang"}
		m.CXXCompilers = []string{"g++", "clang++"}
	}
	if len(m.Optimizations) == 0 {
		m.Optimizations = []string{"-O0", "-O1", "-O2", "-O3", "-Os"}
	}
}

// Cell is one matrix coordinate.
type Cell struct {
	Compiler     string `json:"compiler"`
	CXXCompiler  string `json:"cxx_compiler"`
	Optimization string `json:"optimization"`
}

func (c Cell) String() string {
	return c.Compiler + "/" + c.CXXCompiler + " " + c.Optimization
}

// Cells enumerates the matrix pair-major.
func (m Matrix) Cells() []Cell {
	cells := make([]Cell, 0, len(m.Compilers)*len(m.Optimizations))
	for i := range m.Compilers {
		for _, opt := range m.Optimizations {
			cells = append(cells, Cell{Compiler: m.Compilers[i], CXXCompiler: m.CXXCompilers[i], Optimization: opt})
		}
	}
	return cells
}

// ValidateMatrix checks the matrix shape.
func ValidateMatrix(m *Matrix) error {
	if m == nil {
		return fmt.Errorf("matrix is nil")
	}
	if len(m.Compilers) != len(m.CXXCompilers) {
		return fmt.Errorf("matrix has %d compilers but %d cxx_compilers", len(m.Compilers), len(m.CXXCompilers))
	}
	if len(m.Compilers) == 0 {
		return fmt.Errorf("matrix must include at least one compiler pair")
	}
	if len(m.Optimizations) == 0 {
		return fmt.Errorf("matrix must include at least one optimization level")
	}
	for name, axis := range map[string][]string{"compilers": m.Compilers, "cxx_compilers": m.CXXCompilers, "optimizations": m.Optimizations} {
		for i, v := range axis {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s[%d] is empty", name, i)
			}
		}
	}
	return nil
}

// PipelineConfiguration is one cell plus the run configuration.
type PipelineConfiguration struct {
	Cell
	Config Config
}

// ProjectConfig is the document accepted by the standalone command's
// --config flag.
type ProjectConfig struct {
	Matrix   Matrix `yaml:"matrix" toml:"matrix" json:"matrix"`
	Pipeline Config `yaml:"pipeline" toml:"pipeline" json:"pipeline"`
}

// LoadProjectConfig reads, decodes, and validates a project configuration.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	var pc ProjectConfig
	if err := decodeFile(path, &pc); err != nil {
		return nil, err
	}
	pc.Matrix.ApplyDefaults()
	pc.Pipeline.ApplyDefaults()
	if err := ValidateMatrix(&pc.Matrix); err != nil {
		return nil, err
	}
	if err := Validate(&pc.Pipeline); err != nil {
		return nil, err
	}
	return &pc, nil
}

// decodeFile decodes a YAML, TOML or JSON document chosen by extension,
// rejecting unknown fields.
//
//nolint:gosec // configuration path is explicit operator input.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && err != io.EOF {
			return fmt.Errorf("decode config yaml: %w", err)
		}
	case ".toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(v); err != nil {
			return fmt.Errorf("decode config toml: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode config json: %w", err)
		}
		if err := ensureSingleJSONDocument(dec); err != nil {
			return fmt.Errorf("decode config json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml, .toml or .json)", ext)
	}
	return nil
}

func ensureSingleJSONDocument(dec *json.Decoder) error {
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing json content")
		}
		return fmt.Errorf("decode trailing json token: %w", err)
	}
	return nil
}
