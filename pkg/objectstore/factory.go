package objectstore

import (
	"context"
	"fmt"
)

// Backend names accepted by NewFromConfig.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config selects and parameterizes a storage backend. Backend defaults to
// the filesystem store; Endpoint supports MinIO and LocalStack for the S3
// backend.
type Config struct {
	Backend  string
	Root     string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewFromConfig builds the configured store.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		root := cfg.Root
		if root == "" {
			root = "data/objects"
		}
		return NewFS(root, cfg.Prefix)
	case BackendS3:
		return NewS3(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported backend %q", backend)
	}
}
