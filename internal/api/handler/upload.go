package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/scanhunter/internal/api/middleware"
	"github.com/kiranshivaraju/scanhunter/internal/api/response"
	"github.com/kiranshivaraju/scanhunter/internal/artifact"
	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/internal/ingress"
	"github.com/kiranshivaraju/scanhunter/internal/pipeline"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// Decoder turns a request into an Artifact.
type Decoder interface {
	Decode(r *http.Request) (*models.Artifact, error)
}

// Pipeline defines the interface the image handlers depend on.
type Pipeline interface {
	SubmitImage(ctx context.Context, a *models.Artifact) (*models.PredictionResult, error)
	GetResult(ctx context.Context, id uuid.UUID, owner string) (*models.PredictionResult, error)
}

var validationCodes = map[ingress.Kind]string{
	ingress.KindMissing:         "MISSING_FILE",
	ingress.KindTooLarge:        "FILE_TOO_LARGE",
	ingress.KindUnsupportedType: "UNSUPPORTED_TYPE",
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/images.
func NewUploadHandler(dec Decoder, svc Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := dec.Decode(r)
		if err != nil {
			var ve *ingress.ValidationError
			if errors.As(err, &ve) {
				response.Error(w, http.StatusBadRequest, validationCodes[ve.Kind], ve.Message, nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read upload", nil)
			return
		}

		res, err := svc.SubmitImage(r.Context(), a)
		writeResult(w, r, res, err)
	}
}

// NewGetResultHandler returns an http.HandlerFunc for GET /api/v1/images/{artifactID}.
// Callers only see their own uploads.
func NewGetResultHandler(svc Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "artifactID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_ID", "artifactID must be a UUID", nil)
			return
		}

		res, err := svc.GetResult(r.Context(), id, mw.ClientKey(r))
		if errors.Is(err, pipeline.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Upload not found", nil)
			return
		}
		if err != nil {
			slog.Error("failed to load upload", "artifact_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load upload", nil)
			return
		}

		response.JSON(w, string(res.Status), res)
	}
}

func writeResult(w http.ResponseWriter, r *http.Request, res *models.PredictionResult, err error) {
	var details any
	if res != nil {
		details = res
	}

	var ie *inference.Error
	switch {
	case err == nil && res.Status == models.StatusInferenceSucceeded:
		response.JSON(w, "Prediction complete", res)
	case err == nil:
		// Duplicate submission of a run that already failed.
		response.Error(w, http.StatusBadGateway, "PREVIOUSLY_FAILED", "A previous run for this upload failed", details)
	case errors.Is(err, pipeline.ErrInFlight):
		w.Header().Set("Location", "/api/v1/images/"+res.ArtifactID.String())
		response.Accepted(w, "Upload already in progress", res)
	case errors.Is(err, artifact.ErrStorage):
		response.Error(w, http.StatusBadGateway, "STORAGE_FAILED", "Failed to store the upload", details)
	case errors.As(err, &ie):
		response.Error(w, http.StatusBadGateway, "INFERENCE_FAILED", "Inference failed", details)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusInternalServerError, "CANCELLED", "Upload was cancelled", details)
	default:
		slog.Error("upload failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", details)
	}
}
