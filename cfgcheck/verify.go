package cfgcheck

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/lattice-substrate/rtcheck/gtirb"
	"github.com/lattice-substrate/rtcheck/rterr"
)

// Verifier runs checks and logs each defect.
type Verifier struct {
	Logger *slog.Logger
}

// Verify loads the IR at path and returns the number of failing checks.
// The error is non-nil only when the artifact cannot be read, and is then
// an *rterr.Error of class StructuralRead.
func Verify(path string, specs []Spec) (int, error) {
	return Verifier{}.Verify(path, specs)
}

// Verify loads the IR at path and returns the number of failing checks.
func (v Verifier) Verify(path string, specs []Spec) (int, error) {
	ir, err := gtirb.Load(path)
	if err != nil {
		return 0, rterr.Wrap(rterr.StructuralRead, "load ir", err)
	}
	return v.Run(ir, specs), nil
}

// Run evaluates specs against an already loaded IR.
func (v Verifier) Run(ir *gtirb.IR, specs []Spec) int {
	log := v.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	defects := 0
	for _, s := range specs {
		if reason := check(ir, s); reason != "" {
			defects++
			log.Warn("structural defect", "check", s.Label(), "reason", reason)
			continue
		}
		log.Debug("structural check passed", "check", s.Label())
	}
	return defects
}

// check returns an empty string when s passes, otherwise the reason it failed.
func check(ir *gtirb.IR, s Spec) string {
	switch s.Kind {
	case JumpTargets:
		return checkJumpTargets(ir, s)
	case EdgeCount:
		return checkEdgeCount(ir, s)
	case BlockKindCheck:
		return checkBlockKind(ir, s)
	case SymExprCount:
		return checkSymExprCount(ir, s)
	case FunctionBlocks:
		return checkFunctionBlocks(ir, s)
	case EdgeTypeCheck:
		return checkEdgeType(ir, s)
	case MainIsCode:
		name := s.Symbol
		if name == "" {
			name = "main"
		}
		return checkBlockKind(ir, Spec{Kind: BlockKindCheck, Symbol: name, BlockKind: gtirb.CodeBlock})
	case DanglingEdges:
		return checkDanglingEdges(ir)
	case DanglingSymbols:
		return checkDanglingSymbols(ir)
	case DecodeMode:
		return checkDecodeMode(ir)
	case CFGNonEmpty:
		if len(ir.Edges()) == 0 {
			return "cfg has no edges"
		}
		return ""
	default:
		return fmt.Sprintf("unknown check kind %q", s.Kind)
	}
}

// symbolBlock finds the block a named symbol refers to in any module. A name
// shared by several symbols resolves to the first one with a block referent.
func symbolBlock(ir *gtirb.IR, name string) (*gtirb.Module, gtirb.Block, string) {
	found := false
	for _, m := range ir.Modules {
		for _, sym := range m.SymbolsNamed(name) {
			found = true
			if b, ok := m.Referent(sym); ok {
				return m, b, ""
			}
		}
	}
	if found {
		return nil, gtirb.Block{}, fmt.Sprintf("symbol %q does not refer to a block", name)
	}
	return nil, gtirb.Block{}, fmt.Sprintf("symbol %q not found", name)
}

// symbolName names id for messages, falling back to the UUID.
func symbolName(m *gtirb.Module, id uuid.UUID) string {
	if sym, ok := m.SymbolByUUID(id); ok && sym.Name != "" {
		return sym.Name
	}
	return id.String()
}

func checkJumpTargets(ir *gtirb.IR, s Spec) string {
	m, b, reason := symbolBlock(ir, s.Symbol)
	if reason != "" {
		return reason
	}
	out := m.OutgoingEdges(b.UUID)
	if s.Count != nil && len(out) != *s.Count {
		return fmt.Sprintf("%s has %d outgoing edges, want %d", s.Symbol, len(out), *s.Count)
	}
	if len(s.Targets) == 0 {
		return ""
	}

	want := make(map[uuid.UUID]string, len(s.Targets))
	for _, t := range s.Targets {
		_, tb, reason := symbolBlock(ir, t)
		if reason != "" {
			return "target " + reason
		}
		want[tb.UUID] = t
	}
	got := make(map[uuid.UUID]bool, len(out))
	var spurious []string
	for _, e := range out {
		got[e.Target] = true
		if _, ok := want[e.Target]; !ok {
			spurious = append(spurious, e.Target.String())
		}
	}
	var missed []string
	for id, name := range want {
		if !got[id] {
			missed = append(missed, name)
		}
	}
	if len(missed) == 0 && len(spurious) == 0 {
		return ""
	}
	sort.Strings(missed)
	sort.Strings(spurious)
	return fmt.Sprintf("%s jump targets differ: missing [%s], unexpected [%s]",
		s.Symbol, strings.Join(missed, " "), strings.Join(spurious, " "))
}

func checkEdgeCount(ir *gtirb.IR, s Spec) string {
	m, b, reason := symbolBlock(ir, s.Symbol)
	if reason != "" {
		return reason
	}
	if s.Outgoing != nil {
		if n := len(m.OutgoingEdges(b.UUID)); n != *s.Outgoing {
			return fmt.Sprintf("%s has %d outgoing edges, want %d", s.Symbol, n, *s.Outgoing)
		}
	}
	if s.Incoming != nil {
		if n := len(m.IncomingEdges(b.UUID)); n != *s.Incoming {
			return fmt.Sprintf("%s has %d incoming edges, want %d", s.Symbol, n, *s.Incoming)
		}
	}
	return ""
}

func checkBlockKind(ir *gtirb.IR, s Spec) string {
	if s.Symbol != "" {
		_, b, reason := symbolBlock(ir, s.Symbol)
		if reason != "" {
			return reason
		}
		if b.Kind != s.BlockKind {
			return fmt.Sprintf("%s is a %s block, want %s", s.Symbol, b.Kind, s.BlockKind)
		}
		return ""
	}

	matches := 0
	for _, m := range ir.Modules {
		for _, sym := range m.Symbols() {
			ok, err := doublestar.Match(s.Pattern, sym.Name)
			if err != nil {
				return fmt.Sprintf("pattern %q: %v", s.Pattern, err)
			}
			if !ok {
				continue
			}
			matches++
			b, ok := m.Referent(sym)
			if !ok {
				return fmt.Sprintf("symbol %q does not refer to a block", sym.Name)
			}
			if b.Kind != s.BlockKind {
				return fmt.Sprintf("%s is a %s block, want %s", sym.Name, b.Kind, s.BlockKind)
			}
		}
	}
	minMatches := s.MinMatches
	if minMatches == 0 {
		minMatches = 1
	}
	if matches < minMatches {
		return fmt.Sprintf("pattern %q matched %d symbols, want at least %d", s.Pattern, matches, minMatches)
	}
	return ""
}

func checkSymExprCount(ir *gtirb.IR, s Spec) string {
	for _, m := range ir.Modules {
		sec, ok := m.Section(s.Section)
		if !ok {
			continue
		}
		var exprs []gtirb.SymbolicExpression
		for _, e := range sec.SymbolicExpressionsIn(sec.Address, sec.Address+sec.Size) {
			if s.SymExprKind == "" || e.Kind == s.SymExprKind {
				exprs = append(exprs, e)
			}
		}
		if s.Count != nil && len(exprs) != *s.Count {
			return fmt.Sprintf("section %s has %d symbolic expressions, want %d", s.Section, len(exprs), *s.Count)
		}
		if s.SameSymbol2 {
			var first *uuid.UUID
			for _, e := range exprs {
				if e.Kind != gtirb.SymAddrAddr {
					continue
				}
				if first == nil {
					id := e.Symbol2
					first = &id
					continue
				}
				if e.Symbol2 != *first {
					return fmt.Sprintf("section %s: symbolic expression at %#x uses base symbol %s, want %s",
						s.Section, e.Address, symbolName(m, e.Symbol2), symbolName(m, *first))
				}
			}
		}
		return ""
	}
	return fmt.Sprintf("section %q not found", s.Section)
}

func checkFunctionBlocks(ir *gtirb.IR, s Spec) string {
	m, entry, reason := symbolBlock(ir, s.Symbol)
	if reason != "" {
		return reason
	}
	fb, ok := m.FunctionBlocks()
	if !ok {
		return "module has no functionBlocks aux data"
	}
	blocks, ok := functionOf(m, fb, entry.UUID)
	if !ok {
		return fmt.Sprintf("%s is not in any function", s.Symbol)
	}
	if s.Count != nil && len(blocks) != *s.Count {
		return fmt.Sprintf("function of %s has %d blocks, want %d", s.Symbol, len(blocks), *s.Count)
	}
	for _, name := range s.Includes {
		_, b, reason := symbolBlock(ir, name)
		if reason != "" {
			return reason
		}
		if !blocks[b.UUID] {
			return fmt.Sprintf("function of %s does not include %s", s.Symbol, name)
		}
	}
	if s.TargetsInFunction {
		for _, e := range m.OutgoingEdges(entry.UUID) {
			if !blocks[e.Target] {
				return fmt.Sprintf("edge target %s of %s is outside its function", e.Target, s.Symbol)
			}
		}
	}
	return ""
}

// functionOf returns the block set of the function containing id, preferring
// the function whose entry it is.
func functionOf(m *gtirb.Module, fb map[uuid.UUID][]uuid.UUID, id uuid.UUID) (map[uuid.UUID]bool, bool) {
	if fe, ok := m.FunctionEntries(); ok {
		for fn, entries := range fe {
			for _, e := range entries {
				if e == id {
					return toSet(fb[fn]), true
				}
			}
		}
	}
	keys := make([]uuid.UUID, 0, len(fb))
	for fn := range fb {
		keys = append(keys, fn)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, fn := range keys {
		set := toSet(fb[fn])
		if set[id] {
			return set, true
		}
	}
	return nil, false
}

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func checkEdgeType(ir *gtirb.IR, s Spec) string {
	m, b, reason := symbolBlock(ir, s.Symbol)
	if reason != "" {
		return reason
	}
	want := gtirb.EdgeType(strings.ToLower(string(s.EdgeType)))
	n := 0
	for _, e := range m.OutgoingEdges(b.UUID) {
		if e.Type != want {
			continue
		}
		if s.Conditional != nil && e.Conditional != *s.Conditional {
			continue
		}
		if s.Direct != nil && e.Direct != *s.Direct {
			continue
		}
		n++
	}
	switch {
	case s.Count != nil && n != *s.Count:
		return fmt.Sprintf("%s has %d matching %s edges, want %d", s.Symbol, n, want, *s.Count)
	case s.Count == nil && n == 0:
		return fmt.Sprintf("%s has no matching %s edge", s.Symbol, want)
	}
	return ""
}

func checkDanglingEdges(ir *gtirb.IR) string {
	known := func(id uuid.UUID) bool {
		for _, m := range ir.Modules {
			if _, ok := m.Block(id); ok || m.IsProxy(id) {
				return true
			}
		}
		return false
	}
	for _, e := range ir.Edges() {
		if !known(e.Source) {
			return fmt.Sprintf("edge source %s is not a block", e.Source)
		}
		if !known(e.Target) {
			return fmt.Sprintf("edge target %s is not a block", e.Target)
		}
	}
	return ""
}

func checkDanglingSymbols(ir *gtirb.IR) string {
	for _, m := range ir.Modules {
		for _, sym := range m.Symbols() {
			if !sym.HasReferent {
				continue
			}
			if _, ok := m.Block(sym.Referent); ok || m.IsProxy(sym.Referent) {
				continue
			}
			return fmt.Sprintf("symbol %q refers to unknown node %s", sym.Name, sym.Referent)
		}
	}
	return ""
}

// checkDecodeMode flags non-zero decode modes outside ARM, where the only
// alternate mode (Thumb) exists.
func checkDecodeMode(ir *gtirb.IR) string {
	for _, m := range ir.Modules {
		if m.ISA == "ARM" {
			continue
		}
		for _, b := range m.Blocks() {
			if b.Kind == gtirb.CodeBlock && b.DecodeMode != 0 {
				return fmt.Sprintf("%s module has code block %s with decode mode %d", m.ISA, b.UUID, b.DecodeMode)
			}
		}
	}
	return ""
}
