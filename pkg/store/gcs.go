//go:build gcp

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/trustagent/mandates/pkg/mandate"
)

// GCSStore keeps one JSON object per mandate in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed mandate store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	// Uses ADC by default
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: objectPrefix(cfg.Prefix),
	}, nil
}

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: prefix})
}

func (s *GCSStore) object(id string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + id + ".json")
}

func (s *GCSStore) Put(ctx context.Context, snap mandate.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode mandate %s: %w", snap.ID, err)
	}
	w := s.object(snap.ID).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", snap.ID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", snap.ID, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, id string) (*mandate.Snapshot, error) {
	return s.read(ctx, s.object(id))
}

func (s *GCSStore) read(ctx context.Context, obj *storage.ObjectHandle) (*mandate.Snapshot, error) {
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", obj.ObjectName(), err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", obj.ObjectName(), err)
	}
	var snap mandate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("gcs decode failed for %s: %w", obj.ObjectName(), err)
	}
	return &snap, nil
}

func (s *GCSStore) List(ctx context.Context, f Filter) ([]mandate.Snapshot, error) {
	out := []mandate.Snapshot{}
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		snap, err := s.read(ctx, bucket.Object(attrs.Name))
		if err != nil {
			return nil, err
		}
		if snap != nil && f.match(snap) {
			out = append(out, *snap)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	err := s.object(id).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", id, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
