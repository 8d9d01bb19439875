package roundtrip_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/rtcheck/roundtrip"
)

func TestTallyPassedAndAdd(t *testing.T) {
	var total roundtrip.Tally
	assert.True(t, total.Passed())
	total.Add(roundtrip.Tally{Compile: 1, Structural: 3})
	total.Add(roundtrip.Tally{Structural: 1, Test: 2})
	assert.Equal(t, roundtrip.Tally{Compile: 1, Structural: 4, Test: 2}, total)
	assert.False(t, total.Passed())
	assert.Equal(t, "compile=1 disassembly=0 structural=4 reassembly=0 link=0 test=2", total.String())
}

func TestWriteReportIsCanonical(t *testing.T) {
	r := newFakeRunner(t)
	r.results["make check"] = failing(2)
	report, err := roundtrip.RunMatrix(context.Background(), newProject(t), oneCell(), linuxConfig(), fixedOptions(r))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, roundtrip.WriteReport(path, report))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(`{"config_sha256":"`)), "keys must be sorted: %s", data[:40])
	assert.True(t, bytes.HasSuffix(data, []byte("}\n")))
	assert.NotContains(t, string(data), "\n  ")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back, err := roundtrip.ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, report.Tally, back.Tally)
	assert.Equal(t, roundtrip.Tally{Test: 1}, back.Tally)
	assert.Equal(t, "00000000-0000-4000-8000-000000000001", back.RunID)
	assert.Equal(t, "2026-03-04T05:06:07Z", back.GeneratedAtUTC)
	assert.Len(t, back.ConfigSHA256, 64)
}

func TestReadReportRejectsOtherSchemas(t *testing.T) {
	_, err := roundtrip.ReadReport(writeFile(t, "r.json", `{"schema_version":"report.v0"}`))
	require.Error(t, err)
	_, err = roundtrip.ReadReport(writeFile(t, "r.json", `not json`))
	require.Error(t, err)
}

func TestConfigDigestTracksConfig(t *testing.T) {
	p := newProject(t)
	run := func(cfg roundtrip.Config) string {
		report, err := roundtrip.RunMatrix(context.Background(), p, oneCell(), cfg, fixedOptions(newFakeRunner(t)))
		require.NoError(t, err)
		return report.ConfigSHA256
	}
	base := run(linuxConfig())
	assert.Equal(t, base, run(linuxConfig()))
	changed := linuxConfig()
	changed.ExtraCompileFlags = []string{"-g"}
	assert.NotEqual(t, base, run(changed))
}

func TestSummary(t *testing.T) {
	r := newFakeRunner(t)
	r.results["gcc"] = failing(1)
	report, err := roundtrip.RunMatrix(context.Background(), newProject(t), oneCell(), linuxConfig(), fixedOptions(r))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, roundtrip.Summary(&out, report))
	text := out.String()
	assert.Contains(t, text, "gcc/g++ -O0")
	assert.Contains(t, text, "reassemble")
	assert.Contains(t, text, "exited 1")
	assert.Contains(t, text, "FAIL")
	assert.Contains(t, text, "reassembly=1")
}
