// Package asmdb uploads disassembly results: assembly text and run metadata
// to Postgres, artifact bundles to an S3-compatible object store.
package asmdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Record describes one disassembly worth keeping.
type Record struct {
	RunID     string
	Project   string
	Binary    string
	Compilers []string
	Flags     []string
	Stripped  bool
	// Dir is the project directory; the paths below are relative to it
	// unless absolute.
	Dir          string
	AssemblyPath string
	IRPath       string
	Elapsed      time.Duration
	Succeeded    bool
	CreatedAt    time.Time
}

func (r Record) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Dir, p)
}

// Uploader stores a record somewhere.
type Uploader interface {
	Upload(ctx context.Context, rec Record) error
}

// Multi uploads to every sink and joins their errors.
type Multi []Uploader

func (m Multi) Upload(ctx context.Context, rec Record) error {
	var errs []error
	for _, u := range m {
		if err := u.Upload(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateRecord(rec Record) error {
	if rec.Project == "" || rec.Binary == "" {
		return fmt.Errorf("record project and binary are required")
	}
	if rec.AssemblyPath == "" {
		return fmt.Errorf("record assembly path is required")
	}
	return nil
}
