// Package objectstore provides content-addressed byte storage. Keys are
// lowercase hex SHA-256 digests; writes are write-if-absent and reads
// re-verify the digest, so a stored object can never drift from its key.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/tracefirst/attest/pkg/canonicalize"
)

var (
	// ErrNotFound is returned when no object exists for the requested hash.
	ErrNotFound = errors.New("objectstore: object not found")
	// ErrIntegrity is returned when stored bytes do not hash to their key.
	// This is fatal for the calling run.
	ErrIntegrity = errors.New("objectstore: content hash mismatch")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is the content-addressed object store.
//
// Put never overwrites: if the key already exists the call is a no-op, even
// when the offered bytes differ (the divergence is caught on Get).
type Store interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
	// URI returns the stable storage locator recorded on DocumentFile rows.
	URI(hash string) string
}

// HashFor returns the store key for raw bytes.
func HashFor(data []byte) string {
	return canonicalize.HashBytes(data)
}

// ValidateHash rejects keys that are not lowercase hex SHA-256 digests.
func ValidateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("objectstore: invalid hash %q", hash)
	}
	return nil
}

// verify re-hashes fetched bytes against the key.
func verify(hash string, data []byte) error {
	if actual := canonicalize.HashBytes(data); actual != hash {
		return fmt.Errorf("%w: key %s, content %s", ErrIntegrity, hash, actual)
	}
	return nil
}
