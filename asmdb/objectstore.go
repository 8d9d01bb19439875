package asmdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures the artifact bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	// Globs select extra project files, relative to the project directory,
	// added to every bundle.
	Globs []string
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// NewMinIOClient builds a client for any S3-compatible endpoint.
func NewMinIOClient(cfg ObjectStoreConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ObjectPutter is the subset of *minio.Client the artifact store uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArtifactStore uploads one bundle per record.
type ArtifactStore struct {
	client ObjectPutter
	bucket string
	globs  []string
}

func NewArtifactStore(client ObjectPutter, bucket string, globs []string) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("object store client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &ArtifactStore{client: client, bucket: bucket, globs: append([]string(nil), globs...)}, nil
}

// ObjectKey is <project>/<run id>/<binary>-<flags>.tar.gz.
func ObjectKey(rec Record) string {
	parts := append(append([]string(nil), rec.Compilers...), rec.Flags...)
	if rec.Stripped {
		parts = append(parts, "stripped")
	}
	name := sanitizeKey(path.Base(toSlash(rec.Binary)) + "-" + strings.Join(parts, "-"))
	run := rec.RunID
	if run == "" {
		run = "adhoc"
	}
	return path.Join(sanitizeKey(rec.Project), run, name+".tar.gz")
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '+':
			return r
		default:
			return '_'
		}
	}, s)
}

func (s *ArtifactStore) Upload(ctx context.Context, rec Record) error {
	var buf bytes.Buffer
	if _, err := WriteBundle(&buf, rec, s.globs); err != nil {
		return fmt.Errorf("bundle artifacts: %w", err)
	}
	key := ObjectKey(rec)
	_, err := s.client.PutObject(ctx, s.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
