// Package models contains shared data models used across the scanhunter codebase.
package models

import (
	"github.com/google/uuid"
)

// Artifact is an uploaded image payload plus its identity. The ID is generated by
// the ingress adapter; Data is never mutated after decoding. ContentType, SizeBytes
// and OriginalName are informational only.
type Artifact struct {
	ID           uuid.UUID `json:"id"`
	Data         []byte    `json:"-"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	OriginalName string    `json:"original_name"`
	// Owner identifies the caller that uploaded the artifact.
	Owner string `json:"-"`
}
