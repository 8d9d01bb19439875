// Package gtirbtest builds IR artifacts in the disassembler's JSON
// serialization for tests.
package gtirbtest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"os"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// Builder assembles a single-module IR.
type Builder struct {
	name     string
	isa      string
	sections []*SectionBuilder
	symbols  []map[string]any
	symIDs   map[string]uuid.UUID
	proxies  []uuid.UUID
	edges    []map[string]any
	funcs    map[uuid.UUID][]uuid.UUID
	next     uint64
}

// SectionBuilder assembles one section with a single addressed byte interval.
type SectionBuilder struct {
	b        *Builder
	id       uuid.UUID
	name     string
	addr     uint64
	size     uint64
	blocks   []map[string]any
	symExprs map[string]any
}

// New starts an IR with one module.
func New(name, isa string) *Builder {
	return &Builder{
		name:   name,
		isa:    isa,
		symIDs: make(map[string]uuid.UUID),
		funcs:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// ID returns a deterministic UUID so fixtures are reproducible.
func (b *Builder) ID() uuid.UUID {
	b.next++
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], b.next)
	id[0] = 0x42
	return id
}

// Section adds a section whose byte interval starts at addr.
func (b *Builder) Section(name string, addr uint64) *SectionBuilder {
	s := &SectionBuilder{b: b, id: b.ID(), name: name, addr: addr, symExprs: make(map[string]any)}
	b.sections = append(b.sections, s)
	return s
}

// Code adds a code block; a non-empty sym also names it.
func (s *SectionBuilder) Code(sym string, offset, size uint64) uuid.UUID {
	return s.CodeMode(sym, offset, size, 0)
}

// CodeMode adds a code block with an explicit decode mode.
func (s *SectionBuilder) CodeMode(sym string, offset, size, decodeMode uint64) uuid.UUID {
	id := s.b.ID()
	body := map[string]any{"uuid": enc(id), "size": strconv.FormatUint(size, 10)}
	if decodeMode != 0 {
		body["decodeMode"] = strconv.FormatUint(decodeMode, 10)
	}
	s.add(offset, size, map[string]any{"offset": strconv.FormatUint(offset, 10), "code": body})
	if sym != "" {
		s.b.Symbol(sym, id)
	}
	return id
}

// Data adds a data block; a non-empty sym also names it.
func (s *SectionBuilder) Data(sym string, offset, size uint64) uuid.UUID {
	id := s.b.ID()
	s.add(offset, size, map[string]any{
		"offset": strconv.FormatUint(offset, 10),
		"data":   map[string]any{"uuid": enc(id), "size": strconv.FormatUint(size, 10)},
	})
	if sym != "" {
		s.b.Symbol(sym, id)
	}
	return id
}

// AddrConst records sym+0 at offset.
func (s *SectionBuilder) AddrConst(offset uint64, sym string) {
	s.symExprs[strconv.FormatUint(offset, 10)] = map[string]any{
		"addrConst": map[string]any{"symbolUuid": enc(s.b.symIDs[sym])},
	}
}

// AddrAddr records (sym1 - sym2) at offset.
func (s *SectionBuilder) AddrAddr(offset uint64, sym1, sym2 string) {
	s.symExprs[strconv.FormatUint(offset, 10)] = map[string]any{
		"addrAddr": map[string]any{
			"scale":       "1",
			"symbol1Uuid": enc(s.b.symIDs[sym1]),
			"symbol2Uuid": enc(s.b.symIDs[sym2]),
		},
	}
}

func (s *SectionBuilder) add(offset, size uint64, block map[string]any) {
	s.blocks = append(s.blocks, block)
	if offset+size > s.size {
		s.size = offset + size
	}
}

// Symbol names a block.
func (b *Builder) Symbol(name string, referent uuid.UUID) uuid.UUID {
	id := b.ID()
	b.symIDs[name] = id
	b.symbols = append(b.symbols, map[string]any{
		"uuid":         enc(id),
		"name":         name,
		"referentUuid": enc(referent),
	})
	return id
}

// ValueSymbol adds a symbol holding an absolute value.
func (b *Builder) ValueSymbol(name string, value uint64) uuid.UUID {
	id := b.ID()
	b.symIDs[name] = id
	b.symbols = append(b.symbols, map[string]any{
		"uuid":  enc(id),
		"name":  name,
		"value": strconv.FormatUint(value, 10),
	})
	return id
}

// Proxy adds a proxy block, the target of edges leaving the module.
func (b *Builder) Proxy() uuid.UUID {
	id := b.ID()
	b.proxies = append(b.proxies, id)
	return id
}

// Edge adds a CFG edge. typ is one of Type_Branch, Type_Call, ...
func (b *Builder) Edge(src, dst uuid.UUID, typ string, conditional, direct bool) {
	label := map[string]any{}
	if typ != "" && typ != "Type_Branch" {
		label["type"] = typ
	}
	if conditional {
		label["conditional"] = true
	}
	if direct {
		label["direct"] = true
	}
	b.edges = append(b.edges, map[string]any{
		"sourceUuid": enc(src),
		"targetUuid": enc(dst),
		"label":      label,
	})
}

// FunctionBlocks records the blocks of the function identified by fn.
func (b *Builder) FunctionBlocks(fn uuid.UUID, blocks ...uuid.UUID) {
	b.funcs[fn] = append(b.funcs[fn], blocks...)
}

// JSON renders the IR.
func (b *Builder) JSON() []byte {
	sections := make([]any, 0, len(b.sections))
	for _, s := range b.sections {
		bi := map[string]any{
			"uuid":       enc(b.ID()),
			"blocks":     s.blocks,
			"hasAddress": true,
			"address":    strconv.FormatUint(s.addr, 10),
			"size":       strconv.FormatUint(s.size, 10),
		}
		if len(s.symExprs) != 0 {
			bi["symbolicExpressions"] = s.symExprs
		}
		sections = append(sections, map[string]any{
			"uuid":          enc(s.id),
			"name":          s.name,
			"byteIntervals": []any{bi},
		})
	}
	proxies := make([]any, 0, len(b.proxies))
	for _, p := range b.proxies {
		proxies = append(proxies, map[string]any{"uuid": enc(p)})
	}
	module := map[string]any{
		"uuid":       enc(b.ID()),
		"name":       b.name,
		"binaryPath": b.name,
		"isa":        b.isa,
		"fileFormat": "ELF",
		"sections":   sections,
		"symbols":    b.symbols,
		"proxies":    proxies,
	}
	if len(b.funcs) != 0 {
		module["auxData"] = map[string]any{
			"functionBlocks": map[string]any{
				"typeName": "mapping<UUID,set<UUID>>",
				"data":     base64.StdEncoding.EncodeToString(EncodeUUIDSetMapping(b.funcs)),
			},
		}
	}
	doc := map[string]any{
		"uuid":    enc(b.ID()),
		"version": 4,
		"modules": []any{module},
		"cfg":     map[string]any{"edges": b.edges},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// WriteFile renders the IR to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.JSON(), 0o600)
}

// EncodeUUIDSetMapping serializes a mapping<UUID,set<UUID>> aux data table.
func EncodeUUIDSetMapping(m map[uuid.UUID][]uuid.UUID) []byte {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(keys)))
	for _, k := range keys {
		buf.Write(k[:])
		_ = binary.Write(&buf, binary.LittleEndian, uint64(len(m[k])))
		for _, v := range m[k] {
			buf.Write(v[:])
		}
	}
	return buf.Bytes()
}

func enc(id uuid.UUID) string {
	return base64.StdEncoding.EncodeToString(id[:])
}
