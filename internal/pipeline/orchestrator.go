// Package pipeline drives one uploaded image from receipt to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/internal/artifact"
	"github.com/kiranshivaraju/scanhunter/internal/cache"
	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/internal/metrics"
	"github.com/kiranshivaraju/scanhunter/internal/store"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

var (
	// ErrInFlight is returned with the current projection when another run owns the id.
	ErrInFlight = errors.New("upload already in progress")
	// ErrInternal wraps a recovered panic.
	ErrInternal = errors.New("internal pipeline failure")
	// ErrNotFound is returned by GetResult for unknown artifact ids.
	ErrNotFound = errors.New("upload not found")
)

// Predictor is the subset of the inference client the orchestrator needs.
type Predictor interface {
	Predict(ctx context.Context, req models.PredictionRequest) (models.Prediction, error)
}

// Options tunes retry and cache behaviour.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StatusTTL      time.Duration
}

// Orchestrator sequences the artifact store, the metadata repository and the
// inference client. It is the only writer of upload status.
type Orchestrator struct {
	store     store.Store
	artifacts artifact.Store
	predictor Predictor
	cache     cache.Cache
	metrics   *metrics.Collector
	opts      Options
}

// NewOrchestrator creates an Orchestrator. ca and mc may be nil.
func NewOrchestrator(st store.Store, artifacts artifact.Store, predictor Predictor, ca cache.Cache, mc *metrics.Collector, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 10 * time.Second
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 30 * time.Minute
	}
	return &Orchestrator{
		store:     st,
		artifacts: artifacts,
		predictor: predictor,
		cache:     ca,
		metrics:   mc,
		opts:      opts,
	}
}

// SubmitImage runs the full pipeline for a and returns the final projection.
//
// On failure the returned projection is still populated with the terminal
// record and the error wraps the cause (artifact.ErrStorage, *inference.Error,
// the caller's context error or ErrInternal). When a record for a.ID already
// exists no work is done: a terminal record is returned with a nil error, a
// non-terminal one with ErrInFlight.
func (o *Orchestrator) SubmitImage(ctx context.Context, a *models.Artifact) (res *models.PredictionResult, err error) {
	if a == nil || a.ID == uuid.Nil {
		return nil, fmt.Errorf("invalid artifact: ID is required")
	}

	started := time.Now()
	// Bookkeeping must land even after the caller goes away.
	bg := context.WithoutCancel(ctx)
	logger := slog.With("artifact_id", a.ID)

	now := time.Now().UTC()
	rec := &models.UploadRecord{
		ArtifactID:   a.ID,
		Status:       models.StatusReceived,
		OriginalName: a.OriginalName,
		ContentType:  a.ContentType,
		SizeBytes:    a.SizeBytes,
		Owner:        a.Owner,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateUpload(bg, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return o.existing(bg, a.ID)
		}
		return nil, fmt.Errorf("creating upload record: %w", err)
	}
	o.mirror(bg, rec)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in pipeline", "error", r)
			res, err = o.abort(bg, a.ID, models.ErrorKindInternal, fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		if res != nil {
			o.metrics.ObserveSubmission(string(res.Status), time.Since(started))
		}
	}()

	obj, putErr := o.artifacts.Put(ctx, a.ID, a.Data)
	if putErr != nil {
		if ctx.Err() != nil {
			logger.Warn("upload cancelled during artifact write", "error", putErr)
			res, _ = o.finish(bg, a.ID, models.StatusAbandoned, store.WithError(models.ErrorKindCancelled, ctx.Err().Error()))
			return res, fmt.Errorf("storing artifact: %w", ctx.Err())
		}
		logger.Error("artifact write failed", "error", putErr)
		res, _ = o.finish(bg, a.ID, models.StatusAbandoned, store.WithError(models.ErrorKindStorageFailure, putErr.Error()))
		return res, fmt.Errorf("storing artifact: %w", putErr)
	}

	if res, err := o.advance(bg, a.ID, models.StatusStored, store.WithStorage(obj.Key, obj.Checksum)); err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return o.cancelled(bg, a.ID, ctx.Err(), 0)
	}
	if res, err := o.advance(bg, a.ID, models.StatusInferenceRequested); err != nil {
		return res, err
	}

	pred, attempts, predErr := o.predict(ctx, models.PredictionRequest{Artifact: *a, StorageKey: obj.Key}, logger)
	switch {
	case predErr == nil:
		logger.Info("inference succeeded", "engine", pred.Engine, "model", pred.Model, "attempts", attempts)
		res, err = o.finish(bg, a.ID, models.StatusInferenceSucceeded, store.WithResult(pred.Payload), store.WithAttempts(attempts))
		return res, err
	case ctx.Err() != nil:
		return o.cancelled(bg, a.ID, ctx.Err(), attempts)
	}

	ie := inference.Classify(predErr)
	logger.Error("inference failed", "kind", ie.Kind, "attempts", attempts, "error", predErr)
	res, ferr := o.finish(bg, a.ID, models.StatusInferenceFailed,
		store.WithError(ie.ErrorKind(), predErr.Error()), store.WithAttempts(attempts))
	if ferr != nil {
		return res, ferr
	}
	return res, fmt.Errorf("inference: %w", ie)
}

// predict calls the engine, retrying Timeout and Unreachable failures with
// exponential backoff up to MaxAttempts calls in total.
func (o *Orchestrator) predict(ctx context.Context, req models.PredictionRequest, logger *slog.Logger) (models.Prediction, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.opts.BackoffInitial
	eb.MaxInterval = o.opts.BackoffMax
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	var (
		pred     models.Prediction
		attempts int
	)
	op := func() error {
		attempts++
		p, err := o.predictor.Predict(ctx, req)
		if err == nil {
			o.metrics.ObserveAttempt("ok")
			pred = p
			return nil
		}
		if ctx.Err() != nil {
			o.metrics.ObserveAttempt("cancelled")
			return backoff.Permanent(err)
		}
		ie := inference.Classify(err)
		o.metrics.ObserveAttempt(string(ie.Kind))
		if !ie.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("inference attempt failed, retrying", "attempt", attempts, "backoff", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.opts.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	return pred, attempts, err
}

// advance applies a non-terminal transition. If the record was concurrently
// moved to a terminal status the current projection is returned with the error.
func (o *Orchestrator) advance(ctx context.Context, id uuid.UUID, status models.UploadStatus, opts ...store.UploadUpdateOption) (*models.PredictionResult, error) {
	rec, err := o.store.UpdateUploadStatus(ctx, id, status, opts...)
	if err != nil {
		slog.Error("failed to advance upload", "artifact_id", id, "status", status, "error", err)
		return o.current(ctx, id), fmt.Errorf("moving upload to %s: %w", status, err)
	}
	o.mirror(ctx, rec)
	return nil, nil
}

// finish applies a terminal transition and mirrors it into the cache.
func (o *Orchestrator) finish(ctx context.Context, id uuid.UUID, status models.UploadStatus, opts ...store.UploadUpdateOption) (*models.PredictionResult, error) {
	rec, err := o.store.UpdateUploadStatus(ctx, id, status, opts...)
	if err != nil {
		slog.Error("failed to finalize upload", "artifact_id", id, "status", status, "error", err)
		return o.current(ctx, id), fmt.Errorf("moving upload to %s: %w", status, err)
	}
	o.mirror(ctx, rec)
	return rec.Projection(), nil
}

func (o *Orchestrator) cancelled(ctx context.Context, id uuid.UUID, cause error, attempts int) (*models.PredictionResult, error) {
	slog.Warn("upload cancelled by caller", "artifact_id", id, "error", cause)
	opts := []store.UploadUpdateOption{store.WithError(models.ErrorKindCancelled, cause.Error())}
	if attempts > 0 {
		opts = append(opts, store.WithAttempts(attempts))
	}
	res, err := o.finish(ctx, id, models.StatusAbandoned, opts...)
	if err != nil {
		return res, err
	}
	return res, fmt.Errorf("upload cancelled: %w", cause)
}

// abort moves a record in any non-terminal status to the matching failure status.
func (o *Orchestrator) abort(ctx context.Context, id uuid.UUID, kind models.ErrorKind, detail string) (*models.PredictionResult, error) {
	rec, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec.Projection(), nil
	}
	status := models.StatusAbandoned
	if rec.Status == models.StatusInferenceRequested {
		status = models.StatusInferenceFailed
	}
	return o.finish(ctx, id, status, store.WithError(kind, detail))
}

func (o *Orchestrator) existing(ctx context.Context, id uuid.UUID) (*models.PredictionResult, error) {
	rec, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading existing upload: %w", err)
	}
	slog.Info("duplicate submission", "artifact_id", id, "status", rec.Status)
	if !rec.Status.Terminal() {
		return rec.Projection(), ErrInFlight
	}
	return rec.Projection(), nil
}

func (o *Orchestrator) current(ctx context.Context, id uuid.UUID) *models.PredictionResult {
	rec, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil
	}
	return rec.Projection()
}

// GetResult returns the current projection for id, preferring the cache.
// A non-empty owner must match the uploader; other callers get ErrNotFound.
func (o *Orchestrator) GetResult(ctx context.Context, id uuid.UUID, owner string) (*models.PredictionResult, error) {
	if o.cache != nil {
		res, ok, err := o.cache.GetUploadStatus(ctx, id)
		if err != nil {
			slog.Warn("cache read failed", "artifact_id", id, "error", err)
		} else if ok {
			return ownedBy(res, owner)
		}
	}

	rec, err := o.store.GetUpload(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading upload: %w", err)
	}
	o.mirror(ctx, rec)
	return ownedBy(rec.Projection(), owner)
}

func ownedBy(res *models.PredictionResult, owner string) (*models.PredictionResult, error) {
	if owner != "" && res.Owner != owner {
		return nil, ErrNotFound
	}
	return res, nil
}

func (o *Orchestrator) mirror(ctx context.Context, rec *models.UploadRecord) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetUploadStatus(ctx, rec.Projection(), o.opts.StatusTTL); err != nil {
		slog.Warn("cache write failed", "artifact_id", rec.ArtifactID, "error", err)
	}
}
