package asmdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alessio/shellescape"
)

// DatabaseConfig configures the assembly database.
type DatabaseConfig struct {
	URL          string
	PingTimeout  time.Duration
	MaxOpenConns int
}

func (c DatabaseConfig) Validate() error {
	if c.URL == "" {
		return errors.New("RTCHECK_DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("RTCHECK_DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("RTCHECK_DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	return nil
}

// OpenDatabase connects through the pgx database/sql driver and pings.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

const schema = `CREATE TABLE IF NOT EXISTS assemblies (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL,
	project     TEXT NOT NULL,
	binary_name TEXT NOT NULL,
	compilers   TEXT NOT NULL,
	flags       TEXT NOT NULL,
	stripped    BOOLEAN NOT NULL,
	succeeded   BOOLEAN NOT NULL,
	elapsed_ms  BIGINT NOT NULL,
	assembly    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

const insertAssembly = `INSERT INTO assemblies
	(run_id, project, binary_name, compilers, flags, stripped, succeeded, elapsed_ms, assembly, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Store records assembly text per disassembly.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the assemblies table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure assemblies table: %w", err)
	}
	return nil
}

// Upload inserts the record with the assembly file's contents.
//
//nolint:gosec // assembly path is produced by the disassembly stage of this run.
func (s *Store) Upload(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	asm, err := os.ReadFile(rec.path(rec.AssemblyPath))
	if err != nil {
		return fmt.Errorf("read assembly: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertAssembly,
		rec.RunID,
		rec.Project,
		rec.Binary,
		shellescape.QuoteCommand(rec.Compilers),
		shellescape.QuoteCommand(rec.Flags),
		rec.Stripped,
		rec.Succeeded,
		rec.Elapsed.Milliseconds(),
		string(asm),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert assembly %s/%s: %w", rec.Project, rec.Binary, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
