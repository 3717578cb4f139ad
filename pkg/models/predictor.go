package models

import (
	"context"
	"encoding/json"
)

// Predictor is the core interface that all inference engines must implement.
// Never call a specific engine directly; always go through inference.Client.
type Predictor interface {
	// Predict runs the model against one stored artifact.
	Predict(ctx context.Context, req PredictionRequest) (Prediction, error)
	// Name returns the engine identifier (e.g., "http", "onnx").
	Name() string
}

// PredictionRequest is the input to a single inference call.
type PredictionRequest struct {
	Artifact   Artifact
	StorageKey string // dereferenceable location for engines that read from the store
}

// Prediction is the engine's output. Payload is opaque to the pipeline and stored
// as-is on the upload record.
type Prediction struct {
	Engine  string          `json:"engine"`
	Model   string          `json:"model,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
