package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the metadata repository. All upload record persistence goes through here.
// The pipeline is the only writer of status, result and error; implementations
// only validate and persist.
type Store interface {
	Ping(ctx context.Context) error

	CreateUpload(ctx context.Context, rec *models.UploadRecord) error
	GetUpload(ctx context.Context, id uuid.UUID) (*models.UploadRecord, error)
	UpdateUploadStatus(ctx context.Context, id uuid.UUID, status models.UploadStatus, opts ...UploadUpdateOption) (*models.UploadRecord, error)
	ListStaleUploads(ctx context.Context, before time.Time, limit int) ([]*models.UploadRecord, error)

	Close() error
}

type uploadUpdateParams struct {
	Result     json.RawMessage
	Error      *models.ErrorInfo
	Attempts   *int
	StorageKey *string
	Checksum   *string
}

type UploadUpdateOption func(*uploadUpdateParams)

// WithResult attaches the inference payload. Only valid with InferenceSucceeded.
func WithResult(result json.RawMessage) UploadUpdateOption {
	return func(p *uploadUpdateParams) {
		p.Result = result
	}
}

// WithError attaches a failure. Only valid with InferenceFailed or Abandoned.
func WithError(kind models.ErrorKind, detail string) UploadUpdateOption {
	return func(p *uploadUpdateParams) {
		p.Error = &models.ErrorInfo{Kind: kind, Detail: detail}
	}
}

func WithAttempts(n int) UploadUpdateOption {
	return func(p *uploadUpdateParams) {
		p.Attempts = &n
	}
}

func WithStorage(key, checksum string) UploadUpdateOption {
	return func(p *uploadUpdateParams) {
		p.StorageKey = &key
		p.Checksum = &checksum
	}
}

// applyUpdate validates a status change against rec and applies it in place.
// rec is left untouched when an error is returned.
func applyUpdate(rec *models.UploadRecord, status models.UploadStatus, now time.Time, opts []UploadUpdateOption) error {
	params := &uploadUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	if !models.CanTransition(rec.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
	}

	switch status {
	case models.StatusInferenceSucceeded:
		if len(params.Result) == 0 {
			return fmt.Errorf("%w: %s requires a result", ErrInvalidTransition, status)
		}
		if params.Error != nil {
			return fmt.Errorf("%w: %s cannot carry an error", ErrInvalidTransition, status)
		}
	case models.StatusInferenceFailed, models.StatusAbandoned:
		if params.Error == nil {
			return fmt.Errorf("%w: %s requires an error", ErrInvalidTransition, status)
		}
		if len(params.Result) != 0 {
			return fmt.Errorf("%w: %s cannot carry a result", ErrInvalidTransition, status)
		}
	default:
		if len(params.Result) != 0 || params.Error != nil {
			return fmt.Errorf("%w: %s cannot carry a result or error", ErrInvalidTransition, status)
		}
	}

	rec.Status = status
	if params.Result != nil {
		rec.Result = params.Result
	}
	if params.Error != nil {
		rec.Error = params.Error
	}
	if params.Attempts != nil {
		rec.Attempts = *params.Attempts
	}
	if params.StorageKey != nil {
		rec.StorageKey = *params.StorageKey
		rec.Checksum = *params.Checksum
	}
	if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
	return nil
}
