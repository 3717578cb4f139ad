package onnx

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported model. Missing fields take the defaults of
// the grayscale 128x128 single-sigmoid classifier.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Threshold   float32  `json:"threshold"`
	PixelScale  float32  `json:"pixel_scale"`
}

// DefaultMetadata matches a Keras model taking (1, 128, 128, 1) raw grayscale
// pixels and emitting one sigmoid score.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 128, 128, 1},
		OutputShape: []int64{1, 1},
		Classes:     []string{"Non-Cancerous", "Cancerous"},
		ImageSize:   128,
		Threshold:   0.5,
		PixelScale:  1,
	}
}

// LoadMetadata reads metadata from path, filling unset fields with defaults.
// An empty path returns DefaultMetadata.
func LoadMetadata(path string) (Metadata, error) {
	md := DefaultMetadata()
	if path == "" {
		return md, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var file Metadata
	if err := json.Unmarshal(raw, &file); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}

	if file.InputName != "" {
		md.InputName = file.InputName
	}
	if file.OutputName != "" {
		md.OutputName = file.OutputName
	}
	if len(file.InputShape) > 0 {
		md.InputShape = file.InputShape
	}
	if len(file.OutputShape) > 0 {
		md.OutputShape = file.OutputShape
	}
	if len(file.Classes) > 0 {
		md.Classes = file.Classes
	}
	if file.ImageSize > 0 {
		md.ImageSize = file.ImageSize
	}
	if file.Threshold > 0 {
		md.Threshold = file.Threshold
	}
	if file.PixelScale > 0 {
		md.PixelScale = file.PixelScale
	}

	if err := md.validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m Metadata) validate() error {
	if len(m.Classes) != 2 {
		return fmt.Errorf("metadata: expected 2 classes, got %d", len(m.Classes))
	}
	want := int64(m.ImageSize * m.ImageSize)
	if got := shapeSize(m.InputShape); got != want {
		return fmt.Errorf("metadata: input shape %v holds %d values, image_size %d needs %d", m.InputShape, got, m.ImageSize, want)
	}
	if shapeSize(m.OutputShape) < 1 {
		return fmt.Errorf("metadata: output shape %v is empty", m.OutputShape)
	}
	return nil
}

func shapeSize(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
