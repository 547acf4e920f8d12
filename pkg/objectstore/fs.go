package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS stores objects on the local filesystem under
// <root>/<hash[0:2]>/<hash>.bin. The two-character fan-out keeps directory
// sizes bounded; the layout is part of the persisted-state contract.
type FS struct {
	root      string
	uriPrefix string
}

// NewFS creates a filesystem store rooted at root. uriPrefix (default
// "file://") is prepended to produce DocumentFile storage URIs.
func NewFS(root, uriPrefix string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("objectstore: empty root")
	}
	if uriPrefix == "" {
		uriPrefix = "file://"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &FS{root: root, uriPrefix: uriPrefix}, nil
}

func (s *FS) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash+".bin")
}

// URI returns the locator recorded for a stored object.
func (s *FS) URI(hash string) string {
	return s.uriPrefix + filepath.ToSlash(filepath.Join(hash[:2], hash+".bin"))
}

// Put writes data under its hash if absent. Existing objects are left
// untouched regardless of the offered bytes.
func (s *FS) Put(ctx context.Context, hash string, data []byte) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	target := s.path(hash)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("objectstore: mkdir: %w", err)
	}

	// Write to a temp file in the same directory then rename, so a
	// concurrent reader never observes a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+hash+".tmp-*")
	if err != nil {
		return fmt.Errorf("objectstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: close: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: rename: %w", err)
	}
	return nil
}

// Get reads an object and re-verifies its digest.
func (s *FS) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("objectstore: read: %w", err)
	}
	if err := verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether an object exists for hash.
func (s *FS) Has(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: stat: %w", err)
	}
	return true, nil
}
