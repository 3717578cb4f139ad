// Package onnx runs the scan classifier in-process with ONNX Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/kiranshivaraju/scanhunter/internal/inference"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
	ort "github.com/yalue/onnxruntime_go"
)

// Engine implements models.Predictor with a single ONNX Runtime session.
// The session reuses its input and output tensors, so runs are serialized.
type Engine struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	metadata     Metadata
	model        string
}

// New loads the model and allocates its tensors.
func New(cfg config.ONNXEngineConfig) (*Engine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	md, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{md.InputName}, []string{md.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create ONNX session: %w", err)
	}

	return &Engine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		metadata:     md,
		model:        cfg.ModelPath,
	}, nil
}

func (e *Engine) Name() string { return "onnx" }

func (e *Engine) Predict(ctx context.Context, req models.PredictionRequest) (models.Prediction, error) {
	input, err := Preprocess(req.Artifact.Data, e.metadata.ImageSize, e.metadata.PixelScale)
	if err != nil {
		return models.Prediction{}, inference.NewError(inference.KindRejected, "%v", err)
	}

	if err := ctx.Err(); err != nil {
		return models.Prediction{}, err
	}

	e.mu.Lock()
	copy(e.inputTensor.GetData(), input)
	err = e.session.Run()
	var score float32
	output := e.outputTensor.GetData()
	if err == nil && len(output) > 0 {
		score = output[0]
	}
	e.mu.Unlock()

	if err != nil {
		return models.Prediction{}, inference.NewError(inference.KindUnreachable, "run session: %v", err)
	}
	if len(output) == 0 {
		return models.Prediction{}, inference.NewError(inference.KindMalformed, "model produced no output")
	}

	payload, err := json.Marshal(decide(score, e.metadata))
	if err != nil {
		return models.Prediction{}, inference.NewError(inference.KindMalformed, "encode decision: %v", err)
	}
	return models.Prediction{Engine: e.Name(), Model: e.model, Payload: payload}, nil
}

// Close releases the session and tensors.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	return ort.DestroyEnvironment()
}

var _ models.Predictor = (*Engine)(nil)
