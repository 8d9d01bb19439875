package asmdb

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDatabaseURL          = "RTCHECK_DATABASE_URL"
	EnvDatabasePingTimeout  = "RTCHECK_DATABASE_PING_TIMEOUT"
	EnvDatabaseMaxOpenConns = "RTCHECK_DATABASE_MAX_OPEN_CONNS"
	EnvS3Endpoint           = "RTCHECK_S3_ENDPOINT"
	EnvS3AccessKey          = "RTCHECK_S3_ACCESS_KEY"
	EnvS3SecretKey          = "RTCHECK_S3_SECRET_KEY"
	EnvS3Region             = "RTCHECK_S3_REGION"
	EnvS3Bucket             = "RTCHECK_S3_BUCKET"
	EnvS3UseSSL             = "RTCHECK_S3_USE_SSL"
	EnvS3Globs              = "RTCHECK_S3_GLOBS"
)

// Getenv looks up one variable; os.Getenv in production.
type Getenv func(string) string

// DatabaseConfigFromEnv reads the database settings. ok is false when no
// URL is set.
func DatabaseConfigFromEnv(getenv Getenv) (cfg DatabaseConfig, ok bool, err error) {
	cfg = DatabaseConfig{
		URL:          strings.TrimSpace(getenv(EnvDatabaseURL)),
		PingTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
	if cfg.URL == "" {
		return cfg, false, nil
	}
	if v := getenv(EnvDatabasePingTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, false, fmt.Errorf("%s: %w", EnvDatabasePingTimeout, err)
		}
		cfg.PingTimeout = d
	}
	if v := getenv(EnvDatabaseMaxOpenConns); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, false, fmt.Errorf("%s: %w", EnvDatabaseMaxOpenConns, err)
		}
		cfg.MaxOpenConns = n
	}
	return cfg, true, cfg.Validate()
}

// ObjectStoreConfigFromEnv reads the object store settings. ok is false
// when no endpoint is set.
func ObjectStoreConfigFromEnv(getenv Getenv) (cfg ObjectStoreConfig, ok bool, err error) {
	cfg = ObjectStoreConfig{
		Endpoint:  strings.TrimSpace(getenv(EnvS3Endpoint)),
		AccessKey: getenv(EnvS3AccessKey),
		SecretKey: getenv(EnvS3SecretKey),
		Region:    getenv(EnvS3Region),
		Bucket:    getenv(EnvS3Bucket),
		UseSSL:    true,
	}
	if cfg.Endpoint == "" {
		return cfg, false, nil
	}
	if v := getenv(EnvS3UseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, false, fmt.Errorf("%s: %w", EnvS3UseSSL, err)
		}
		cfg.UseSSL = b
	}
	if v := getenv(EnvS3Globs); v != "" {
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.Globs = append(cfg.Globs, g)
			}
		}
	}
	return cfg, true, cfg.Validate()
}

// Sinks is the set of uploaders configured from the environment.
type Sinks struct {
	Uploader Uploader
	closers  []func() error
}

// Close releases database handles.
func (s *Sinks) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FromEnv builds every sink the environment configures. A nil Uploader
// means nothing is configured.
func FromEnv(ctx context.Context, getenv Getenv) (*Sinks, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	sinks := &Sinks{}
	var multi Multi

	dbCfg, ok, err := DatabaseConfigFromEnv(getenv)
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	if ok {
		db, err := OpenDatabase(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		store, err := NewStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		multi = append(multi, store)
		sinks.closers = append(sinks.closers, store.Close)
	}

	objCfg, ok, err := ObjectStoreConfigFromEnv(getenv)
	if err != nil {
		_ = sinks.Close()
		return nil, fmt.Errorf("object store config: %w", err)
	}
	if ok {
		client, err := NewMinIOClient(objCfg)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("object store: %w", err)
		}
		artifacts, err := NewArtifactStore(client, objCfg.Bucket, objCfg.Globs)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		multi = append(multi, artifacts)
	}

	switch len(multi) {
	case 0:
	case 1:
		sinks.Uploader = multi[0]
	default:
		sinks.Uploader = multi
	}
	return sinks, nil
}
