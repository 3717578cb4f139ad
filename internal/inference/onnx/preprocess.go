package onnx

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Preprocess decodes an image, converts it to grayscale and resizes it to
// size x size. Pixel values are in [0, 255] multiplied by scale.
func Preprocess(data []byte, size int, scale float32) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	out := make([]float32, 0, size*size)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(resized.At(x, y)).(color.Gray)
			out = append(out, float32(g.Y)*scale)
		}
	}
	return out, nil
}

// Decision is the payload produced by the local model.
type Decision struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
	Threshold   float32 `json:"threshold"`
}

// decide maps a sigmoid score to a label. Scores strictly above threshold
// select the positive class.
func decide(score float32, md Metadata) Decision {
	label := md.Classes[0]
	if score > md.Threshold {
		label = md.Classes[1]
	}
	return Decision{Label: label, Probability: score, Threshold: md.Threshold}
}
