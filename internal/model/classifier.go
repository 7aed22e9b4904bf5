package model

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
)

// InferenceError wraps any failure between reading a stored image and
// getting scores back from the model.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return e.Err.Error() }

func (e *InferenceError) Unwrap() error { return e.Err }

type Classifier struct {
	loader    *Loader
	classes   []string
	imageSize int
	layout    string
}

func NewClassifier(loader *Loader, metadata Metadata, imageSize int) *Classifier {
	return &Classifier{
		loader:    loader,
		classes:   metadata.Classes,
		imageSize: imageSize,
		layout:    metadata.Layout,
	}
}

// ClassifyFile decodes the image at path and runs it through the model.
// Every error returned is an *InferenceError.
func (c *Classifier) ClassifyFile(path string) (*ClassificationResult, error) {
	res, err := c.classifyFile(path)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return res, nil
}

func (c *Classifier) classifyFile(path string) (*ClassificationResult, error) {
	m, err := c.loader.Get()
	if err != nil {
		return nil, fmt.Errorf("model unavailable: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("cannot decode image: %w", err)
	}

	out, err := m.Run(Preprocess(img, c.imageSize, c.layout))
	if err != nil {
		return nil, err
	}
	return Postprocess(out, c.classes)
}

// Preprocess resizes img to size×size by point sampling (each output pixel
// copies source pixel floor((x+0.5)*W/size)) and returns it as a batch of
// one, RGB channels scaled to [0,1]. Alpha is dropped, not premultiplied.
func Preprocess(img image.Image, size int, layout string) []float32 {
	resized := imaging.Resize(img, size, size, imaging.NearestNeighbor)

	width, height := resized.Rect.Dx(), resized.Rect.Dy()
	plane := width * height
	inputData := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			px := row[4*x : 4*x+3]
			r := float32(px[0]) / 255.0
			g := float32(px[1]) / 255.0
			b := float32(px[2]) / 255.0

			pixelIndex := y*width + x
			if layout == LayoutNCHW {
				inputData[pixelIndex] = r
				inputData[plane+pixelIndex] = g
				inputData[2*plane+pixelIndex] = b
			} else {
				inputData[3*pixelIndex] = r
				inputData[3*pixelIndex+1] = g
				inputData[3*pixelIndex+2] = b
			}
		}
	}

	return inputData
}

// Postprocess picks the highest score, first one on ties, and maps it to its
// label. An index past the label list gets a synthetic class_<n> label.
// NaN or infinite scores are a backend fault and yield an error.
func Postprocess(outputData []float32, classes []string) (*ClassificationResult, error) {
	if len(outputData) == 0 {
		return nil, errors.New("model returned an empty output")
	}

	maxIdx := 0
	probs := make([]float64, len(outputData))
	for i, val := range outputData {
		probs[i] = float64(val)
		if math.IsNaN(probs[i]) || math.IsInf(probs[i], 0) {
			return nil, fmt.Errorf("model returned a non-finite score at index %d", i)
		}
		if val > outputData[maxIdx] {
			maxIdx = i
		}
	}

	label := fmt.Sprintf("class_%d", maxIdx)
	if maxIdx < len(classes) {
		label = classes[maxIdx]
	}

	return &ClassificationResult{
		Label:      label,
		Index:      maxIdx,
		Confidence: probs[maxIdx],
		Probs:      probs,
	}, nil
}
