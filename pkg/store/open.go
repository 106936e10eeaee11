package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Options carries backend settings that do not fit in the store URL.
type Options struct {
	AWSRegion  string
	S3Endpoint string
}

// Open returns the store named by rawURL:
//
//	memory://                  in-process, lost on restart
//	sqlite://path/to/file.db   SQLite (also a bare file path)
//	postgres://user@host/db    PostgreSQL
//	s3://bucket/prefix         one JSON object per mandate in S3
//	gs://bucket/prefix         Cloud Storage (build tag gcp)
func Open(ctx context.Context, rawURL string, opts Options) (Store, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("store url is required")
	}

	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return openSQLite(ctx, rawURL)
	}

	switch strings.ToLower(scheme) {
	case "memory", "mem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "file":
		return openSQLite(ctx, rest)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, rawURL)
	case "s3":
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 url: %w", err)
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   u.Host,
			Prefix:   u.Path,
			Region:   opts.AWSRegion,
			Endpoint: opts.S3Endpoint,
		})
	case "gs", "gcs":
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid gcs url: %w", err)
		}
		return newGCSStore(ctx, u.Host, u.Path)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func openSQLite(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	return NewSQLiteStore(ctx, path)
}
