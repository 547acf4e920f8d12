package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS stores objects in a Google Cloud Storage bucket with the same
// <hash[0:2]>/<hash>.bin fan-out as the other backends.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS-backed store using application-default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: gcs bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCS) key(hash string) string {
	return s.prefix + hash[:2] + "/" + hash + ".bin"
}

func (s *GCS) URI(hash string) string {
	return "gs://" + s.bucket + "/" + s.key(hash)
}

func (s *GCS) Put(ctx context.Context, hash string, data []byte) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.key(hash))
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("objectstore: gcs write %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: gcs close %s: %w", hash, err)
	}
	return nil
}

func (s *GCS) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.key(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("objectstore: gcs get %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objectstore: gcs read %s: %w", hash, err)
	}
	if err := verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *GCS) Has(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(s.key(hash)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: gcs attrs %s: %w", hash, err)
	}
	return true, nil
}

// Close releases the underlying client.
func (s *GCS) Close() error { return s.client.Close() }
