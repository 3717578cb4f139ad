// Package httpengine calls a remote model server over JSON/HTTP.
package httpengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Engine implements models.Predictor against POST {base}/v1/predict.
type Engine struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// New creates an Engine. Timeouts come from the caller's context, not the
// HTTP client.
func New(cfg config.HTTPEngineConfig) *Engine {
	return &Engine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
	}
}

func (e *Engine) Name() string { return "http" }

type predictRequest struct {
	ArtifactID  string `json:"artifact_id"`
	ContentType string `json:"content_type"`
	Model       string `json:"model,omitempty"`
	ImageB64    string `json:"image_b64"`
}

type predictResponse struct {
	Status     string          `json:"status"`
	Model      string          `json:"model,omitempty"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Error      *engineError    `json:"error,omitempty"`
}

type engineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Engine) Predict(ctx context.Context, req models.PredictionRequest) (models.Prediction, error) {
	body, err := json.Marshal(predictRequest{
		ArtifactID:  req.Artifact.ID.String(),
		ContentType: req.Artifact.ContentType,
		Model:       e.model,
		ImageB64:    base64.StdEncoding.EncodeToString(req.Artifact.Data),
	})
	if err != nil {
		return models.Prediction{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/predict", bytes.NewReader(body))
	if err != nil {
		return models.Prediction{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	e.setHeaders(httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return models.Prediction{}, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Prediction{}, classifyError(err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return models.Prediction{}, inference.NewError(inference.KindUnreachable, "status %d: %s", resp.StatusCode, errorMessage(raw))
	case resp.StatusCode >= 400:
		return models.Prediction{}, inference.NewError(inference.KindRejected, "status %d: %s", resp.StatusCode, errorMessage(raw))
	case resp.StatusCode != http.StatusOK:
		return models.Prediction{}, inference.NewError(inference.KindMalformed, "unexpected status %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return models.Prediction{}, inference.NewError(inference.KindMalformed, "decoding response: %v", err)
	}

	switch pr.Status {
	case "ok":
		if len(pr.Prediction) == 0 || string(pr.Prediction) == "null" {
			return models.Prediction{}, inference.NewError(inference.KindMalformed, "response has no prediction")
		}
		model := pr.Model
		if model == "" {
			model = e.model
		}
		return models.Prediction{Engine: e.Name(), Model: model, Payload: pr.Prediction}, nil
	case "error":
		if pr.Error == nil {
			return models.Prediction{}, inference.NewError(inference.KindMalformed, "error response has no error body")
		}
		return models.Prediction{}, inference.NewError(inference.KindRejected, "%s: %s", pr.Error.Code, pr.Error.Message)
	default:
		return models.Prediction{}, inference.NewError(inference.KindMalformed, "unknown response status %q", pr.Status)
	}
}

// Ping checks GET {base}/health.
func (e *Engine) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	e.setHeaders(httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return inference.NewError(inference.KindUnreachable, "engine not ready (status %d)", resp.StatusCode)
	}
	return nil
}

func (e *Engine) setHeaders(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}

func errorMessage(raw []byte) string {
	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err == nil && pr.Error != nil {
		return pr.Error.Code + ": " + pr.Error.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}

// classifyError maps transport-level errors to inference errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &inference.Error{Kind: inference.KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &inference.Error{Kind: inference.KindTimeout, Err: err}
	}
	return &inference.Error{Kind: inference.KindUnreachable, Err: err}
}

var _ models.Predictor = (*Engine)(nil)
