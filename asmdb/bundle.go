package asmdb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	BundleVersion      = "bundle.v1"
	bundleManifestPath = "manifest.json"
)

// BundleManifest tracks checksums for the files in an artifact bundle.
type BundleManifest struct {
	Version    string            `json:"version"`
	RunID      string            `json:"run_id"`
	Project    string            `json:"project"`
	Binary     string            `json:"binary"`
	Compilers  []string          `json:"compilers"`
	Flags      []string          `json:"flags"`
	Stripped   bool              `json:"stripped"`
	Succeeded  bool              `json:"succeeded"`
	ElapsedMS  int64             `json:"elapsed_ms"`
	Files      []string          `json:"files"`
	FileSHA256 map[string]string `json:"file_sha256"`
	SetSHA256  string            `json:"set_sha256"`
}

type bundleEntry struct {
	path string
	data []byte
	mode int64
}

// WriteBundle writes a gzip-compressed tar of the record's assembly and IR
// plus any project files matching extraGlobs, with a manifest of SHA-256
// digests. Entries are sorted and timestamps fixed so equal inputs give
// equal bytes.
func WriteBundle(w io.Writer, rec Record, extraGlobs []string) (*BundleManifest, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	files, err := bundleFiles(rec, extraGlobs)
	if err != nil {
		return nil, err
	}

	manifest := &BundleManifest{
		Version:    BundleVersion,
		RunID:      rec.RunID,
		Project:    rec.Project,
		Binary:     rec.Binary,
		Compilers:  append([]string(nil), rec.Compilers...),
		Flags:      append([]string(nil), rec.Flags...),
		Stripped:   rec.Stripped,
		Succeeded:  rec.Succeeded,
		ElapsedMS:  rec.Elapsed.Milliseconds(),
		FileSHA256: make(map[string]string, len(files)),
	}
	entries := make([]bundleEntry, 0, len(files)+1)
	digestInput := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(rec.path(f.src))
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", f.src, err)
		}
		rel := "artifacts/" + f.name
		manifest.Files = append(manifest.Files, rel)
		manifest.FileSHA256[rel] = sha256Hex(data)
		digestInput = append(digestInput, rel+":"+manifest.FileSHA256[rel])
		entries = append(entries, bundleEntry{path: rel, data: data, mode: 0o644})
	}
	sort.Strings(manifest.Files)
	sort.Strings(digestInput)
	manifest.SetSHA256 = sha256Hex([]byte(strings.Join(digestInput, "\n")))

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle manifest: %w", err)
	}
	manifestJSON = append(manifestJSON, '\n')
	entries = append(entries, bundleEntry{path: bundleManifestPath, data: manifestJSON, mode: 0o644})
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	if err := writeTarGz(w, entries); err != nil {
		return nil, err
	}
	return manifest, nil
}

type bundleFile struct {
	// name is the slash path inside the bundle, relative to the project
	// directory.
	name string
	src  string
}

// bundleFiles lists the assembly, the IR when present, and glob matches.
// A file reached twice, by any spelling of its path, is listed once.
func bundleFiles(rec Record, extraGlobs []string) ([]bundleFile, error) {
	dir := rec.Dir
	if dir == "" {
		dir = "."
	}
	seen := make(map[string]bool)
	var files []bundleFile
	add := func(f string) {
		if f == "" {
			return
		}
		name := bundleName(dir, f)
		if !seen[name] {
			seen[name] = true
			files = append(files, bundleFile{name: name, src: f})
		}
	}
	add(rec.AssemblyPath)
	if rec.IRPath != "" {
		if _, err := os.Stat(rec.path(rec.IRPath)); err == nil {
			add(rec.IRPath)
		}
	}
	fsys := os.DirFS(dir)
	for _, pattern := range extraGlobs {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob artifacts %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return files, nil
}

// bundleName is f relative to dir in slash form. Paths outside dir keep
// only their base name.
func bundleName(dir, f string) string {
	if filepath.IsAbs(f) {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return path.Base(toSlash(f))
		}
		if rel, err := filepath.Rel(absDir, f); err == nil {
			f = rel
		}
	}
	name := path.Clean(toSlash(f))
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return path.Base(name)
	}
	return name
}

// ReadBundleManifest returns the manifest of a bundle.
func ReadBundleManifest(r io.Reader) (*BundleManifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open bundle gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle tar: %w", err)
		}
		if hdr.Name != bundleManifestPath {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read bundle manifest entry: %w", err)
		}
		var manifest BundleManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("decode bundle manifest: %w", err)
		}
		return &manifest, nil
	}
	return nil, fmt.Errorf("bundle manifest entry %q not found", bundleManifestPath)
}

func writeTarGz(w io.Writer, entries []bundleEntry) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	fixed := time.Unix(0, 0).UTC()
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.path,
			Mode:    e.mode,
			Size:    int64(len(e.data)),
			ModTime: fixed,
			Uname:   "root",
			Gname:   "root",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header for %s: %w", e.path, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(e.data)); err != nil {
			return fmt.Errorf("write tar entry %s: %w", e.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
