// Package gtirb exposes a read-only query surface over the disassembler's IR
// artifact in its JSON serialization (the protobuf JSON mapping of GTIRB).
//
// Only what structural checks need is modeled: symbols, code and data blocks,
// control-flow edges, sections with their symbolic expressions, proxy blocks
// and the functionBlocks/functionEntries aux data tables.
package gtirb

import (
	"sort"

	"github.com/google/uuid"
)

// BlockKind distinguishes code blocks from data blocks.
type BlockKind string

const (
	CodeBlock BlockKind = "code"
	DataBlock BlockKind = "data"
)

// Block is a code or data block inside a byte interval.
type Block struct {
	UUID       uuid.UUID
	Kind       BlockKind
	Section    string
	Offset     uint64
	Size       uint64
	DecodeMode uint64
	// Address is only meaningful when HasAddress is set.
	Address    uint64
	HasAddress bool
}

// Symbol is a named reference to a block or an absolute value.
type Symbol struct {
	UUID        uuid.UUID
	Name        string
	Referent    uuid.UUID
	HasReferent bool
	Value       uint64
	AtEnd       bool
}

// EdgeType is the control-flow edge kind.
type EdgeType string

const (
	EdgeBranch      EdgeType = "branch"
	EdgeCall        EdgeType = "call"
	EdgeFallthrough EdgeType = "fallthrough"
	EdgeReturn      EdgeType = "return"
	EdgeSyscall     EdgeType = "syscall"
	EdgeSysret      EdgeType = "sysret"
)

// Edge is one CFG edge.
type Edge struct {
	Source      uuid.UUID
	Target      uuid.UUID
	Type        EdgeType
	Conditional bool
	Direct      bool
}

// SymExprKind is the kind of a symbolic expression.
type SymExprKind string

const (
	SymAddrConst SymExprKind = "addr_const"
	SymAddrAddr  SymExprKind = "addr_addr"
)

// SymbolicExpression is a symbolic operand stored in a byte interval.
type SymbolicExpression struct {
	Address uint64
	Kind    SymExprKind
	Offset  int64
	Scale   int64
	// Symbol1 is the only symbol of an addr_const expression.
	Symbol1 uuid.UUID
	Symbol2 uuid.UUID
}

// Section is a named section with its address range.
type Section struct {
	UUID       uuid.UUID
	Name       string
	Address    uint64
	Size       uint64
	HasAddress bool
	Flags      []string

	symExprs []SymbolicExpression
}

// SymbolicExpressionsIn returns the section's symbolic expressions whose
// address falls in [lo, hi), ordered by address.
func (s Section) SymbolicExpressionsIn(lo, hi uint64) []SymbolicExpression {
	var out []SymbolicExpression
	for _, e := range s.symExprs {
		if e.Address >= lo && e.Address < hi {
			out = append(out, e)
		}
	}
	return out
}

// SymbolicExpressions returns every symbolic expression in the section.
func (s Section) SymbolicExpressions() []SymbolicExpression {
	return append([]SymbolicExpression(nil), s.symExprs...)
}

// Module is one loaded module.
type Module struct {
	Name       string
	BinaryPath string
	ISA        string
	FileFormat string

	symbols  []Symbol
	sections []Section
	blocks   map[uuid.UUID]Block
	proxies  map[uuid.UUID]struct{}
	symByID  map[uuid.UUID]int

	functionBlocks  map[uuid.UUID][]uuid.UUID
	functionEntries map[uuid.UUID][]uuid.UUID

	cfg *cfgIndex
}

// Symbols returns all symbols in artifact order.
func (m *Module) Symbols() []Symbol {
	return append([]Symbol(nil), m.symbols...)
}

// SymbolsNamed returns every symbol with the given name.
func (m *Module) SymbolsNamed(name string) []Symbol {
	var out []Symbol
	for _, s := range m.symbols {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// SymbolByUUID looks a symbol up by its UUID.
func (m *Module) SymbolByUUID(id uuid.UUID) (Symbol, bool) {
	i, ok := m.symByID[id]
	if !ok {
		return Symbol{}, false
	}
	return m.symbols[i], true
}

// Block looks a code or data block up by its UUID.
func (m *Module) Block(id uuid.UUID) (Block, bool) {
	b, ok := m.blocks[id]
	return b, ok
}

// Blocks returns all blocks ordered by section then offset.
func (m *Module) Blocks() []Block {
	out := make([]Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

// Referent returns the block a symbol refers to.
func (m *Module) Referent(s Symbol) (Block, bool) {
	if !s.HasReferent {
		return Block{}, false
	}
	return m.Block(s.Referent)
}

// IsProxy reports whether id names a proxy block.
func (m *Module) IsProxy(id uuid.UUID) bool {
	_, ok := m.proxies[id]
	return ok
}

// Section returns the first section with the given name.
func (m *Module) Section(name string) (Section, bool) {
	for _, s := range m.sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// OutgoingEdges returns the CFG edges leaving block id.
func (m *Module) OutgoingEdges(id uuid.UUID) []Edge {
	return m.cfg.out(id)
}

// IncomingEdges returns the CFG edges entering block id.
func (m *Module) IncomingEdges(id uuid.UUID) []Edge {
	return m.cfg.in(id)
}

// Edges returns every CFG edge with an endpoint in this module.
func (m *Module) Edges() []Edge {
	var out []Edge
	for _, e := range m.cfg.edges {
		if m.owns(e.Source) || m.owns(e.Target) {
			out = append(out, e)
		}
	}
	return out
}

// FunctionBlocks returns the functionBlocks aux data keyed by function UUID.
// ok is false when the table is absent.
func (m *Module) FunctionBlocks() (map[uuid.UUID][]uuid.UUID, bool) {
	return m.functionBlocks, m.functionBlocks != nil
}

// FunctionEntries returns the functionEntries aux data keyed by function UUID.
func (m *Module) FunctionEntries() (map[uuid.UUID][]uuid.UUID, bool) {
	return m.functionEntries, m.functionEntries != nil
}

func (m *Module) owns(id uuid.UUID) bool {
	if _, ok := m.blocks[id]; ok {
		return true
	}
	return m.IsProxy(id)
}

// IR is a loaded artifact.
type IR struct {
	Version uint64
	Modules []*Module
	cfg     *cfgIndex
}

// Edges returns every CFG edge.
func (ir *IR) Edges() []Edge {
	return append([]Edge(nil), ir.cfg.edges...)
}

type cfgIndex struct {
	edges    []Edge
	outgoing map[uuid.UUID][]int
	incoming map[uuid.UUID][]int
}

func newCFGIndex(edges []Edge) *cfgIndex {
	idx := &cfgIndex{
		edges:    edges,
		outgoing: make(map[uuid.UUID][]int),
		incoming: make(map[uuid.UUID][]int),
	}
	for i, e := range edges {
		idx.outgoing[e.Source] = append(idx.outgoing[e.Source], i)
		idx.incoming[e.Target] = append(idx.incoming[e.Target], i)
	}
	return idx
}

func (c *cfgIndex) out(id uuid.UUID) []Edge {
	return c.pick(c.outgoing[id])
}

func (c *cfgIndex) in(id uuid.UUID) []Edge {
	return c.pick(c.incoming[id])
}

func (c *cfgIndex) pick(ix []int) []Edge {
	out := make([]Edge, 0, len(ix))
	for _, i := range ix {
		out = append(out, c.edges[i])
	}
	return out
}
