package gtirb_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/rtcheck/gtirb"
	"github.com/lattice-substrate/rtcheck/gtirb/gtirbtest"
)

func sample(t *testing.T) (*gtirb.IR, map[string]uuid.UUID) {
	t.Helper()
	b := gtirbtest.New("ex", "X64")
	text := b.Section(".text", 0x1000)
	mainID := text.Code("main", 0, 16)
	loop := text.Code("", 16, 8)
	thumb := text.CodeMode("thumb_fn", 24, 4, 1)
	data := b.Section(".data", 0x2000)
	tbl := data.Data("table", 0, 16)
	data.AddrAddr(0, "main", "table")
	data.AddrConst(8, "main")
	puts := b.Proxy()
	b.Symbol("puts", puts)
	b.ValueSymbol("abs_sym", 0x42)

	b.Edge(mainID, loop, "Type_Fallthrough", false, true)
	b.Edge(loop, loop, "Type_Branch", true, true)
	b.Edge(mainID, puts, "Type_Call", false, true)
	b.FunctionBlocks(mainID, mainID, loop)

	ir, err := gtirb.Parse(b.JSON())
	require.NoError(t, err)
	return ir, map[string]uuid.UUID{"main": mainID, "loop": loop, "thumb": thumb, "table": tbl, "puts": puts}
}

func TestParseModuleSurface(t *testing.T) {
	ir, ids := sample(t)
	require.Len(t, ir.Modules, 1)
	m := ir.Modules[0]
	assert.Equal(t, "ex", m.Name)
	assert.Equal(t, "X64", m.ISA)
	assert.Equal(t, uint64(4), ir.Version)

	syms := m.SymbolsNamed("main")
	require.Len(t, syms, 1)
	blk, ok := m.Referent(syms[0])
	require.True(t, ok)
	assert.Equal(t, gtirb.CodeBlock, blk.Kind)
	assert.Equal(t, uint64(0x1000), blk.Address)
	assert.Equal(t, ".text", blk.Section)

	tbl, ok := m.Block(ids["table"])
	require.True(t, ok)
	assert.Equal(t, gtirb.DataBlock, tbl.Kind)
	assert.Equal(t, uint64(0x2000), tbl.Address)

	thumb, ok := m.Block(ids["thumb"])
	require.True(t, ok)
	assert.Equal(t, uint64(1), thumb.DecodeMode)

	absSyms := m.SymbolsNamed("abs_sym")
	require.Len(t, absSyms, 1)
	abs := absSyms[0]
	assert.False(t, abs.HasReferent)
	assert.Equal(t, uint64(0x42), abs.Value)

	assert.True(t, m.IsProxy(ids["puts"]))
	assert.Len(t, m.Blocks(), 4)
}

func TestParseCFG(t *testing.T) {
	ir, ids := sample(t)
	m := ir.Modules[0]
	assert.Len(t, ir.Edges(), 3)
	assert.Len(t, m.Edges(), 3)

	out := m.OutgoingEdges(ids["main"])
	require.Len(t, out, 2)
	assert.Equal(t, gtirb.EdgeFallthrough, out[0].Type)
	assert.Equal(t, gtirb.EdgeCall, out[1].Type)

	in := m.IncomingEdges(ids["loop"])
	require.Len(t, in, 2)
	self := in[1]
	assert.Equal(t, gtirb.EdgeBranch, self.Type)
	assert.True(t, self.Conditional)
	assert.True(t, self.Direct)
}

func TestParseSymbolicExpressions(t *testing.T) {
	ir, _ := sample(t)
	m := ir.Modules[0]
	sec, ok := m.Section(".data")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), sec.Address)
	assert.Equal(t, uint64(16), sec.Size)

	all := sec.SymbolicExpressions()
	require.Len(t, all, 2)
	assert.Equal(t, gtirb.SymAddrAddr, all[0].Kind)
	assert.Equal(t, uint64(0x2000), all[0].Address)
	assert.Equal(t, int64(1), all[0].Scale)
	assert.Equal(t, gtirb.SymAddrConst, all[1].Kind)

	mainSym, ok := m.SymbolByUUID(all[1].Symbol1)
	require.True(t, ok)
	assert.Equal(t, "main", mainSym.Name)
	_, ok = m.SymbolByUUID(uuid.New())
	assert.False(t, ok)

	assert.Len(t, sec.SymbolicExpressionsIn(0x2000, 0x2008), 1)
	assert.Empty(t, sec.SymbolicExpressionsIn(0x3000, 0x4000))
}

func TestParseFunctionBlocksAuxData(t *testing.T) {
	ir, ids := sample(t)
	fb, ok := ir.Modules[0].FunctionBlocks()
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{ids["main"], ids["loop"]}, fb[ids["main"]])

	_, ok = ir.Modules[0].FunctionEntries()
	assert.False(t, ok)
}

func TestParseAcceptsTextualUUIDsAndNumericEnums(t *testing.T) {
	doc := `{
	  "version": 1,
	  "modules": [{
	    "name": "m", "isa": 3,
	    "sections": [{
	      "uuid": "11111111-1111-1111-1111-111111111111", "name": ".text",
	      "byteIntervals": [{"hasAddress": true, "address": 4096, "size": 8,
	        "blocks": [{"offset": 0, "code": {"uuid": "22222222-2222-2222-2222-222222222222", "size": 8}}]}]
	    }]
	  }],
	  "cfg": {"edges": [{
	    "sourceUuid": "22222222-2222-2222-2222-222222222222",
	    "targetUuid": "22222222-2222-2222-2222-222222222222",
	    "label": {"type": 3}
	  }]}
	}`
	ir, err := gtirb.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "X64", ir.Modules[0].ISA)
	require.Len(t, ir.Edges(), 1)
	assert.Equal(t, gtirb.EdgeReturn, ir.Edges()[0].Type)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "  ",
		"invalid json":  "{",
		"not object":    "[]",
		"no modules":    `{"modules": []}`,
		"bad uuid":      `{"modules":[{"symbols":[{"uuid":"nope","name":"x"}]}]}`,
		"bad edge type": `{"modules":[{}],"cfg":{"edges":[{"sourceUuid":"11111111-1111-1111-1111-111111111111","targetUuid":"11111111-1111-1111-1111-111111111111","label":{"type":"Type_Teleport"}}]}}`,
		"bad block":     `{"modules":[{"sections":[{"uuid":"11111111-1111-1111-1111-111111111111","byteIntervals":[{"blocks":[{"offset":0}]}]}]}]}`,
		"bad aux type":  `{"modules":[{"auxData":{"functionBlocks":{"typeName":"set<UUID>","data":""}}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := gtirb.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsTruncatedAuxData(t *testing.T) {
	raw := gtirbtest.EncodeUUIDSetMapping(map[uuid.UUID][]uuid.UUID{uuid.New(): {uuid.New(), uuid.New()}})
	for _, cut := range []int{4, 20, len(raw) - 1} {
		_, err := gtirb.Parse([]byte(auxDoc(raw[:cut])))
		assert.Error(t, err, "cut at %d", cut)
	}
	_, err := gtirb.Parse([]byte(auxDoc(raw)))
	assert.NoError(t, err)
}

func auxDoc(raw []byte) string {
	return `{"modules":[{"auxData":{"functionBlocks":{"typeName":"mapping<UUID,set<UUID>>","data":"` +
		base64.StdEncoding.EncodeToString(raw) + `"}}}]}`
}

func TestLoadMissingFile(t *testing.T) {
	_, err := gtirb.Load(filepath.Join(t.TempDir(), "absent.gtirb.json"))
	require.Error(t, err)
}

func TestLoadFromDisk(t *testing.T) {
	b := gtirbtest.New("ex", "ARM")
	b.Section(".text", 0x8000).Code("main", 0, 4)
	path := filepath.Join(t.TempDir(), "ex.gtirb.json")
	require.NoError(t, b.WriteFile(path))
	ir, err := gtirb.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ARM", ir.Modules[0].ISA)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = gtirb.Load(path)
	assert.ErrorContains(t, err, path)
}
