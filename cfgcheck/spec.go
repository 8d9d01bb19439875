// Package cfgcheck runs structural checks against a disassembler IR artifact.
//
// A failing check is a defect, counted and logged. Only an unreadable or
// malformed artifact is an error.
package cfgcheck

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lattice-substrate/rtcheck/gtirb"
)

// Kind selects a check.
type Kind string

const (
	JumpTargets     Kind = "jump_targets"
	EdgeCount       Kind = "edge_count"
	BlockKindCheck  Kind = "block_kind"
	SymExprCount    Kind = "symexpr_count"
	FunctionBlocks  Kind = "function_blocks"
	EdgeTypeCheck   Kind = "edge_type"
	MainIsCode      Kind = "main_is_code"
	DanglingEdges   Kind = "dangling_edges"
	DanglingSymbols Kind = "dangling_symbols"
	DecodeMode      Kind = "decode_mode"
	CFGNonEmpty     Kind = "cfg_nonempty"
)

var kinds = map[Kind]bool{
	JumpTargets: true, EdgeCount: true, BlockKindCheck: true, SymExprCount: true,
	FunctionBlocks: true, EdgeTypeCheck: true, MainIsCode: true, DanglingEdges: true,
	DanglingSymbols: true, DecodeMode: true, CFGNonEmpty: true,
}

var edgeTypes = map[gtirb.EdgeType]bool{
	gtirb.EdgeBranch: true, gtirb.EdgeCall: true, gtirb.EdgeFallthrough: true,
	gtirb.EdgeReturn: true, gtirb.EdgeSyscall: true, gtirb.EdgeSysret: true,
}

// Spec configures one check. Which fields apply depends on Kind.
type Spec struct {
	Kind Kind   `yaml:"kind" toml:"kind" json:"kind" jsonschema:"enum=jump_targets,enum=edge_count,enum=block_kind,enum=symexpr_count,enum=function_blocks,enum=edge_type,enum=main_is_code,enum=dangling_edges,enum=dangling_symbols,enum=decode_mode,enum=cfg_nonempty"`
	Name string `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`

	Symbol  string   `yaml:"symbol,omitempty" toml:"symbol,omitempty" json:"symbol,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" toml:"pattern,omitempty" json:"pattern,omitempty"`
	Targets []string `yaml:"targets,omitempty" toml:"targets,omitempty" json:"targets,omitempty"`

	Count    *int `yaml:"count,omitempty" toml:"count,omitempty" json:"count,omitempty"`
	Outgoing *int `yaml:"outgoing,omitempty" toml:"outgoing,omitempty" json:"outgoing,omitempty"`
	Incoming *int `yaml:"incoming,omitempty" toml:"incoming,omitempty" json:"incoming,omitempty"`

	// BlockKind is "code" or "data".
	BlockKind  gtirb.BlockKind `yaml:"block_kind,omitempty" toml:"block_kind,omitempty" json:"block_kind,omitempty"`
	MinMatches int             `yaml:"min_matches,omitempty" toml:"min_matches,omitempty" json:"min_matches,omitempty"`

	Section     string            `yaml:"section,omitempty" toml:"section,omitempty" json:"section,omitempty"`
	SymExprKind gtirb.SymExprKind `yaml:"symexpr_kind,omitempty" toml:"symexpr_kind,omitempty" json:"symexpr_kind,omitempty"`
	SameSymbol2 bool              `yaml:"same_symbol2,omitempty" toml:"same_symbol2,omitempty" json:"same_symbol2,omitempty"`

	Includes []string `yaml:"includes,omitempty" toml:"includes,omitempty" json:"includes,omitempty"`
	// TargetsInFunction requires every outgoing edge target of Symbol's block
	// to belong to the same function.
	TargetsInFunction bool `yaml:"targets_in_function,omitempty" toml:"targets_in_function,omitempty" json:"targets_in_function,omitempty"`

	EdgeType    gtirb.EdgeType `yaml:"edge_type,omitempty" toml:"edge_type,omitempty" json:"edge_type,omitempty"`
	Conditional *bool          `yaml:"conditional,omitempty" toml:"conditional,omitempty" json:"conditional,omitempty"`
	Direct      *bool          `yaml:"direct,omitempty" toml:"direct,omitempty" json:"direct,omitempty"`
}

// Label names the check in logs.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	for _, v := range []string{s.Symbol, s.Pattern, s.Section} {
		if v != "" {
			return string(s.Kind) + ":" + v
		}
	}
	return string(s.Kind)
}

// Validate rejects checks that could never pass because they are
// misconfigured.
func Validate(specs []Spec) error {
	for i, s := range specs {
		if err := s.validate(); err != nil {
			return fmt.Errorf("checks[%d] (%s): %w", i, s.Label(), err)
		}
	}
	return nil
}

func (s Spec) validate() error {
	if !kinds[s.Kind] {
		return fmt.Errorf("unknown check kind %q", s.Kind)
	}
	for name, v := range map[string]*int{"count": s.Count, "outgoing": s.Outgoing, "incoming": s.Incoming} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch s.Kind {
	case JumpTargets:
		if s.Symbol == "" {
			return fmt.Errorf("symbol is required")
		}
		if len(s.Targets) == 0 && s.Count == nil {
			return fmt.Errorf("targets or count is required")
		}
	case EdgeCount:
		if s.Symbol == "" {
			return fmt.Errorf("symbol is required")
		}
		if s.Outgoing == nil && s.Incoming == nil {
			return fmt.Errorf("outgoing or incoming is required")
		}
	case BlockKindCheck:
		if (s.Symbol == "") == (s.Pattern == "") {
			return fmt.Errorf("exactly one of symbol or pattern is required")
		}
		if s.Pattern != "" && !doublestar.ValidatePattern(s.Pattern) {
			return fmt.Errorf("invalid pattern %q", s.Pattern)
		}
		if s.BlockKind != gtirb.CodeBlock && s.BlockKind != gtirb.DataBlock {
			return fmt.Errorf("block_kind must be %q or %q", gtirb.CodeBlock, gtirb.DataBlock)
		}
		if s.MinMatches < 0 {
			return fmt.Errorf("min_matches must not be negative")
		}
	case SymExprCount:
		if s.Section == "" {
			return fmt.Errorf("section is required")
		}
		if s.Count == nil && !s.SameSymbol2 {
			return fmt.Errorf("count or same_symbol2 is required")
		}
		if s.SymExprKind != "" && s.SymExprKind != gtirb.SymAddrConst && s.SymExprKind != gtirb.SymAddrAddr {
			return fmt.Errorf("symexpr_kind must be %q or %q", gtirb.SymAddrConst, gtirb.SymAddrAddr)
		}
	case FunctionBlocks:
		if s.Symbol == "" {
			return fmt.Errorf("symbol is required")
		}
		if s.Count == nil && len(s.Includes) == 0 && !s.TargetsInFunction {
			return fmt.Errorf("count, includes or targets_in_function is required")
		}
	case EdgeTypeCheck:
		if s.Symbol == "" {
			return fmt.Errorf("symbol is required")
		}
		if !edgeTypes[gtirb.EdgeType(strings.ToLower(string(s.EdgeType)))] {
			return fmt.Errorf("unknown edge_type %q", s.EdgeType)
		}
	}
	return nil
}

// Builtins returns the checks that apply to any artifact.
func Builtins() []Spec {
	return []Spec{
		{Kind: CFGNonEmpty},
		{Kind: DanglingEdges},
		{Kind: DanglingSymbols},
		{Kind: DecodeMode},
	}
}
