// Package artifact persists uploaded image bytes keyed by artifact id.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Sentinel errors returned by artifact store implementations.
var (
	ErrNotFound = errors.New("artifact not found")
	ErrStorage  = errors.New("artifact storage failure")
)

// digestMetadataKey names the object metadata entry holding the content digest.
const digestMetadataKey = "blake3"

// Object describes a stored artifact.
type Object struct {
	Key       string
	Checksum  string
	SizeBytes int64
}

// Store defines the interface for artifact persistence.
// Put is idempotent for identical bytes under the same id; a put with the
// same id and different bytes fails with ErrStorage.
type Store interface {
	Put(ctx context.Context, id uuid.UUID, data []byte) (Object, error)
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Digest returns the hex-encoded BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// objectName returns the backend-relative name for an artifact id.
func objectName(prefix string, id uuid.UUID) string {
	s := id.String()
	name := s[:2] + "/" + s
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
