package gtirb

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const uuidSetMapping = "mapping<UUID,set<UUID>>"

var edgeTypes = map[string]EdgeType{
	"Type_Branch":      EdgeBranch,
	"Type_Call":        EdgeCall,
	"Type_Fallthrough": EdgeFallthrough,
	"Type_Return":      EdgeReturn,
	"Type_Syscall":     EdgeSyscall,
	"Type_Sysret":      EdgeSysret,
	"0":                EdgeBranch,
	"1":                EdgeCall,
	"2":                EdgeFallthrough,
	"3":                EdgeReturn,
	"4":                EdgeSyscall,
	"5":                EdgeSysret,
}

var isaNames = []string{
	"ISA_Undefined", "IA32", "PPC32", "X64", "ARM", "ValidButUnsupported",
	"PPC64", "ARM64", "MIPS32", "MIPS64",
}

// Load reads and indexes an IR artifact.
//
//nolint:gosec // IR path is produced by the disassembly stage of this run.
func Load(path string) (*IR, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ir: %w", err)
	}
	ir, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ir, nil
}

// Parse decodes an IR artifact from its JSON serialization.
func Parse(data []byte) (*IR, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("decode ir: empty document")
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode ir: invalid json")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("decode ir: top level must be an object")
	}

	var edges []Edge
	for i, e := range doc.Get("cfg.edges").Array() {
		edge, err := parseEdge(e)
		if err != nil {
			return nil, fmt.Errorf("decode ir: cfg edge %d: %w", i, err)
		}
		edges = append(edges, edge)
	}
	ir := &IR{Version: doc.Get("version").Uint(), cfg: newCFGIndex(edges)}

	modules := doc.Get("modules").Array()
	if len(modules) == 0 {
		return nil, fmt.Errorf("decode ir: no modules")
	}
	for i, mv := range modules {
		m, err := parseModule(mv)
		if err != nil {
			return nil, fmt.Errorf("decode ir: module %d: %w", i, err)
		}
		m.cfg = ir.cfg
		ir.Modules = append(ir.Modules, m)
	}
	return ir, nil
}

func parseModule(v gjson.Result) (*Module, error) {
	m := &Module{
		Name:       v.Get("name").String(),
		BinaryPath: v.Get("binaryPath").String(),
		ISA:        enumName(v.Get("isa"), isaNames),
		FileFormat: v.Get("fileFormat").String(),
		blocks:     make(map[uuid.UUID]Block),
		proxies:    make(map[uuid.UUID]struct{}),
		symByID:    make(map[uuid.UUID]int),
	}

	for i, p := range v.Get("proxies").Array() {
		id, err := parseUUID(p.Get("uuid"))
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		m.proxies[id] = struct{}{}
	}

	for i, sv := range v.Get("sections").Array() {
		sec, err := parseSection(sv, m.blocks)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		m.sections = append(m.sections, sec)
	}

	for i, sv := range v.Get("symbols").Array() {
		sym, err := parseSymbol(sv)
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		m.symByID[sym.UUID] = len(m.symbols)
		m.symbols = append(m.symbols, sym)
	}

	var err error
	if m.functionBlocks, err = parseUUIDSetAux(v.Get("auxData.functionBlocks")); err != nil {
		return nil, fmt.Errorf("aux data functionBlocks: %w", err)
	}
	if m.functionEntries, err = parseUUIDSetAux(v.Get("auxData.functionEntries")); err != nil {
		return nil, fmt.Errorf("aux data functionEntries: %w", err)
	}
	return m, nil
}

func parseSection(v gjson.Result, blocks map[uuid.UUID]Block) (Section, error) {
	id, err := parseUUID(v.Get("uuid"))
	if err != nil {
		return Section{}, err
	}
	sec := Section{UUID: id, Name: v.Get("name").String()}
	for _, f := range v.Get("sectionFlags").Array() {
		sec.Flags = append(sec.Flags, f.String())
	}

	var lo, hi uint64
	for i, bi := range v.Get("byteIntervals").Array() {
		hasAddr := bi.Get("hasAddress").Bool()
		addr := bi.Get("address").Uint()
		size := bi.Get("size").Uint()
		if hasAddr {
			if !sec.HasAddress || addr < lo {
				lo = addr
			}
			if !sec.HasAddress || addr+size > hi {
				hi = addr + size
			}
			sec.HasAddress = true
		}

		for j, bv := range bi.Get("blocks").Array() {
			b, err := parseBlock(bv)
			if err != nil {
				return Section{}, fmt.Errorf("byte interval %d block %d: %w", i, j, err)
			}
			b.Section = sec.Name
			if hasAddr {
				b.Address = addr + b.Offset
				b.HasAddress = true
			}
			blocks[b.UUID] = b
		}

		var parseErr error
		bi.Get("symbolicExpressions").ForEach(func(key, value gjson.Result) bool {
			off, err := strconv.ParseUint(key.String(), 10, 64)
			if err != nil {
				parseErr = fmt.Errorf("byte interval %d symbolic expression offset %q: %w", i, key.String(), err)
				return false
			}
			e, err := parseSymExpr(value)
			if err != nil {
				parseErr = fmt.Errorf("byte interval %d symbolic expression at %d: %w", i, off, err)
				return false
			}
			e.Address = off
			if hasAddr {
				e.Address = addr + off
			}
			sec.symExprs = append(sec.symExprs, e)
			return true
		})
		if parseErr != nil {
			return Section{}, parseErr
		}
	}
	if sec.HasAddress {
		sec.Address = lo
		sec.Size = hi - lo
	}
	sort.SliceStable(sec.symExprs, func(i, j int) bool {
		return sec.symExprs[i].Address < sec.symExprs[j].Address
	})
	return sec, nil
}

func parseBlock(v gjson.Result) (Block, error) {
	b := Block{Offset: v.Get("offset").Uint()}
	var body gjson.Result
	switch {
	case v.Get("code").Exists():
		b.Kind = CodeBlock
		body = v.Get("code")
		b.DecodeMode = body.Get("decodeMode").Uint()
	case v.Get("data").Exists():
		b.Kind = DataBlock
		body = v.Get("data")
	default:
		return Block{}, fmt.Errorf("block is neither code nor data")
	}
	id, err := parseUUID(body.Get("uuid"))
	if err != nil {
		return Block{}, err
	}
	b.UUID = id
	b.Size = body.Get("size").Uint()
	return b, nil
}

func parseSymbol(v gjson.Result) (Symbol, error) {
	id, err := parseUUID(v.Get("uuid"))
	if err != nil {
		return Symbol{}, err
	}
	s := Symbol{
		UUID:  id,
		Name:  v.Get("name").String(),
		AtEnd: v.Get("atEnd").Bool(),
	}
	if r := v.Get("referentUuid"); r.Exists() {
		ref, err := parseUUID(r)
		if err != nil {
			return Symbol{}, fmt.Errorf("symbol %q referent: %w", s.Name, err)
		}
		s.Referent = ref
		s.HasReferent = true
	} else {
		s.Value = v.Get("value").Uint()
	}
	return s, nil
}

func parseEdge(v gjson.Result) (Edge, error) {
	src, err := parseUUID(v.Get("sourceUuid"))
	if err != nil {
		return Edge{}, fmt.Errorf("source: %w", err)
	}
	dst, err := parseUUID(v.Get("targetUuid"))
	if err != nil {
		return Edge{}, fmt.Errorf("target: %w", err)
	}
	label := v.Get("label")
	typ := EdgeBranch
	if t := label.Get("type"); t.Exists() {
		var ok bool
		if typ, ok = edgeTypes[t.String()]; !ok {
			return Edge{}, fmt.Errorf("unknown edge type %q", t.String())
		}
	}
	return Edge{
		Source:      src,
		Target:      dst,
		Type:        typ,
		Conditional: label.Get("conditional").Bool(),
		Direct:      label.Get("direct").Bool(),
	}, nil
}

func parseSymExpr(v gjson.Result) (SymbolicExpression, error) {
	if ac := v.Get("addrConst"); ac.Exists() {
		sym, err := parseUUID(ac.Get("symbolUuid"))
		if err != nil {
			return SymbolicExpression{}, err
		}
		return SymbolicExpression{Kind: SymAddrConst, Offset: ac.Get("offset").Int(), Symbol1: sym}, nil
	}
	if aa := v.Get("addrAddr"); aa.Exists() {
		s1, err := parseUUID(aa.Get("symbol1Uuid"))
		if err != nil {
			return SymbolicExpression{}, err
		}
		s2, err := parseUUID(aa.Get("symbol2Uuid"))
		if err != nil {
			return SymbolicExpression{}, err
		}
		return SymbolicExpression{
			Kind:    SymAddrAddr,
			Offset:  aa.Get("offset").Int(),
			Scale:   aa.Get("scale").Int(),
			Symbol1: s1,
			Symbol2: s2,
		}, nil
	}
	return SymbolicExpression{}, fmt.Errorf("unsupported symbolic expression")
}

// parseUUID accepts the base64 encoding the protobuf JSON mapping uses for
// bytes fields, and the canonical textual form.
func parseUUID(v gjson.Result) (uuid.UUID, error) {
	if !v.Exists() || v.String() == "" {
		return uuid.Nil, fmt.Errorf("missing uuid")
	}
	s := v.String()
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 16 {
		return uuid.FromBytes(raw)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q", s)
	}
	return id, nil
}

func parseUUIDSetAux(v gjson.Result) (map[uuid.UUID][]uuid.UUID, error) {
	if !v.Exists() {
		return nil, nil
	}
	if tn := v.Get("typeName").String(); tn != uuidSetMapping {
		return nil, fmt.Errorf("unexpected type %q", tn)
	}
	raw, err := base64.StdEncoding.DecodeString(v.Get("data").String())
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return decodeUUIDSetMapping(raw)
}

// decodeUUIDSetMapping decodes the aux data serialization of
// mapping<UUID,set<UUID>>: a little-endian uint64 count of entries, each a
// 16-byte key followed by a uint64 count and that many 16-byte UUIDs.
func decodeUUIDSetMapping(raw []byte) (map[uuid.UUID][]uuid.UUID, error) {
	r := bytes.NewReader(raw)
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read entry count: %w", err)
	}
	if n > uint64(r.Len())/24 {
		return nil, fmt.Errorf("entry count %d exceeds data", n)
	}
	out := make(map[uuid.UUID][]uuid.UUID, n)
	for i := uint64(0); i < n; i++ {
		key, err := readUUID(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d key: %w", i, err)
		}
		var m uint64
		if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
			return nil, fmt.Errorf("entry %d set size: %w", i, err)
		}
		if m > uint64(r.Len())/16 {
			return nil, fmt.Errorf("entry %d set size %d exceeds data", i, m)
		}
		set := make([]uuid.UUID, 0, m)
		for j := uint64(0); j < m; j++ {
			id, err := readUUID(r)
			if err != nil {
				return nil, fmt.Errorf("entry %d member %d: %w", i, j, err)
			}
			set = append(set, id)
		}
		out[key] = set
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return out, nil
}

func readUUID(r *bytes.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func enumName(v gjson.Result, names []string) string {
	if !v.Exists() {
		return names[0]
	}
	if v.Type == gjson.Number {
		i := int(v.Int())
		if i >= 0 && i < len(names) {
			return names[i]
		}
	}
	return v.String()
}
