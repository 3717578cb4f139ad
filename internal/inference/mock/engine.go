package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// Engine satisfies models.Predictor for testing and local development.
type Engine struct {
	Name_       string
	PredictFunc func(ctx context.Context, req models.PredictionRequest) (models.Prediction, error)

	calls atomic.Int64
}

func (e *Engine) Name() string { return e.Name_ }

// Calls returns how many times Predict was invoked.
func (e *Engine) Calls() int { return int(e.calls.Load()) }

func (e *Engine) Predict(ctx context.Context, req models.PredictionRequest) (models.Prediction, error) {
	e.calls.Add(1)
	if e.PredictFunc != nil {
		return e.PredictFunc(ctx, req)
	}
	return models.Prediction{}, nil
}

// NewEngine returns an Engine that labels every image Non-Cancerous.
func NewEngine() *Engine {
	return &Engine{
		Name_: "mock",
		PredictFunc: func(_ context.Context, req models.PredictionRequest) (models.Prediction, error) {
			payload, _ := json.Marshal(map[string]any{
				"label":       "Non-Cancerous",
				"probability": 0.1,
				"size_bytes":  req.Artifact.SizeBytes,
			})
			return models.Prediction{Engine: "mock", Model: "mock-v1", Payload: payload}, nil
		},
	}
}

// NewFailingEngine returns an Engine that always returns the given error.
func NewFailingEngine(err error) *Engine {
	return &Engine{
		Name_: "mock-failing",
		PredictFunc: func(_ context.Context, _ models.PredictionRequest) (models.Prediction, error) {
			return models.Prediction{}, err
		},
	}
}

// NewTimeoutEngine returns an Engine that blocks until the context is done.
func NewTimeoutEngine() *Engine {
	return &Engine{
		Name_: "mock-timeout",
		PredictFunc: func(ctx context.Context, _ models.PredictionRequest) (models.Prediction, error) {
			<-ctx.Done()
			return models.Prediction{}, inference.ErrTimeout
		},
	}
}

// NewFlakyEngine fails with err for the first n calls, then behaves like NewEngine.
func NewFlakyEngine(n int, err error) *Engine {
	ok := NewEngine()
	e := &Engine{Name_: "mock-flaky"}
	var seen atomic.Int64
	e.PredictFunc = func(ctx context.Context, req models.PredictionRequest) (models.Prediction, error) {
		if seen.Add(1) <= int64(n) {
			return models.Prediction{}, err
		}
		return ok.PredictFunc(ctx, req)
	}
	return e
}

// Compile-time check that Engine implements Predictor.
var _ models.Predictor = (*Engine)(nil)
