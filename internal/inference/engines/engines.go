// Package engines builds the configured prediction engine.
package engines

import (
	"fmt"

	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/kiranshivaraju/scanhunter/internal/inference/httpengine"
	"github.com/kiranshivaraju/scanhunter/internal/inference/mock"
	"github.com/kiranshivaraju/scanhunter/internal/inference/onnx"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// New constructs the engine named by cfg.Engine.
// Called once at server startup.
func New(cfg config.InferenceConfig) (models.Predictor, error) {
	switch cfg.Engine {
	case "http":
		return httpengine.New(cfg.HTTP), nil
	case "onnx":
		e, err := onnx.New(cfg.ONNX)
		if err != nil {
			return nil, fmt.Errorf("loading onnx engine: %w", err)
		}
		return e, nil
	case "mock":
		return mock.NewEngine(), nil
	default:
		return nil, fmt.Errorf("unknown inference engine %q: must be one of http, onnx, mock", cfg.Engine)
	}
}
