package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the pipeline state of one UploadRecord.
type UploadStatus string

const (
	StatusReceived           UploadStatus = "Received"
	StatusStored             UploadStatus = "Stored"
	StatusInferenceRequested UploadStatus = "InferenceRequested"
	StatusInferenceSucceeded UploadStatus = "InferenceSucceeded"
	StatusInferenceFailed    UploadStatus = "InferenceFailed"
	StatusAbandoned          UploadStatus = "Abandoned"
)

var validTransitions = map[UploadStatus][]UploadStatus{
	StatusReceived:           {StatusStored, StatusAbandoned},
	StatusStored:             {StatusInferenceRequested, StatusAbandoned},
	StatusInferenceRequested: {StatusInferenceSucceeded, StatusInferenceFailed, StatusAbandoned},
}

// CanTransition reports whether the state machine allows moving from -> to.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to UploadStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can occur from s.
func (s UploadStatus) Terminal() bool {
	switch s {
	case StatusInferenceSucceeded, StatusInferenceFailed, StatusAbandoned:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s UploadStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusStored, StatusInferenceRequested,
		StatusInferenceSucceeded, StatusInferenceFailed, StatusAbandoned:
		return true
	}
	return false
}

// ErrorKind classifies why a run failed or was abandoned.
type ErrorKind string

const (
	ErrorKindStorageFailure       ErrorKind = "StorageFailure"
	ErrorKindInferenceTimeout     ErrorKind = "InferenceTimeout"
	ErrorKindInferenceUnreachable ErrorKind = "InferenceUnreachable"
	ErrorKindInferenceRejected    ErrorKind = "InferenceRejected"
	ErrorKindInferenceMalformed   ErrorKind = "InferenceMalformed"
	ErrorKindCancelled            ErrorKind = "Cancelled"
	ErrorKindStale                ErrorKind = "Stale"
	ErrorKindInternal             ErrorKind = "Internal"
)

// ErrorInfo is the classified error stored on failed or abandoned records.
type ErrorInfo struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// UploadRecord is the durable ledger entry for one pipeline run.
// Result is set only when Status is InferenceSucceeded; Error only when Status is
// InferenceFailed or Abandoned.
type UploadRecord struct {
	ArtifactID   uuid.UUID       `db:"artifact_id"   json:"artifact_id"`
	Status       UploadStatus    `db:"status"        json:"status"`
	OriginalName string          `db:"original_name" json:"original_name"`
	ContentType  string          `db:"content_type"  json:"content_type"`
	SizeBytes    int64           `db:"size_bytes"    json:"size_bytes"`
	StorageKey   string          `db:"storage_key"   json:"storage_key,omitempty"`
	Checksum     string          `db:"checksum"      json:"checksum,omitempty"`
	Attempts     int             `db:"attempts"      json:"attempts"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	Error        *ErrorInfo      `db:"error"         json:"error,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
	Owner        string          `db:"owner"         json:"owner,omitempty"`
}

// PredictionResult is the read-only projection of an UploadRecord returned to callers.
type PredictionResult struct {
	ArtifactID uuid.UUID       `json:"artifact_id"`
	Status     UploadStatus    `json:"status"`
	Result     json.RawMessage `json:"result"`
	Error      *ErrorInfo      `json:"error"`
	Owner      string          `json:"-"`
}

// Projection builds the caller-facing view of r.
func (r *UploadRecord) Projection() *PredictionResult {
	return &PredictionResult{
		ArtifactID: r.ArtifactID,
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
		Owner:      r.Owner,
	}
}
