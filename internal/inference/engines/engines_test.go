package engines_test

import (
	"testing"

	"github.com/kiranshivaraju/scanhunter/internal/config"
	"github.com/kiranshivaraju/scanhunter/internal/inference/engines"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_HTTP(t *testing.T) {
	e, err := engines.New(config.InferenceConfig{
		Engine: "http",
		HTTP:   config.HTTPEngineConfig{BaseURL: "http://localhost:5000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "http", e.Name())
}

func TestNew_Mock(t *testing.T) {
	e, err := engines.New(config.InferenceConfig{Engine: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", e.Name())
}

func TestNew_ONNXBadMetadata(t *testing.T) {
	_, err := engines.New(config.InferenceConfig{
		Engine: "onnx",
		ONNX:   config.ONNXEngineConfig{ModelPath: "model.onnx", MetadataPath: "/does/not/exist.json"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading onnx engine")
}

func TestNew_Unknown(t *testing.T) {
	_, err := engines.New(config.InferenceConfig{Engine: "tensorflow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown inference engine")
	assert.Contains(t, err.Error(), "tensorflow")
}

func TestNew_Empty(t *testing.T) {
	_, err := engines.New(config.InferenceConfig{})
	assert.Error(t, err)
}
