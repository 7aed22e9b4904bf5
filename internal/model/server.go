package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// Model is a loaded classifier: a fixed-shape float tensor in, a score per
// class out. Run must be safe for concurrent use.
type Model interface {
	Run(input []float32) ([]float32, error)
	Close()
}

// OnnxModel runs an ONNX graph through onnxruntime. The dynamic session is
// shared read-only; every Run allocates its own input and output tensors.
type OnnxModel struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
}

// LoadMetadata reads the model metadata JSON. A missing file yields the
// defaults for the rice leaf model; fields left empty are defaulted too.
func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	default:
		if err := json.Unmarshal(metaFile, &metadata); err != nil {
			return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	if len(metadata.Classes) == 0 {
		metadata.Classes = append([]string(nil), DefaultClasses...)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if metadata.Layout == "" {
		metadata.Layout = LayoutNHWC
	}
	if metadata.Layout != LayoutNHWC && metadata.Layout != LayoutNCHW {
		return Metadata{}, fmt.Errorf("unsupported input layout %q", metadata.Layout)
	}
	if len(metadata.OutputShape) == 0 {
		metadata.OutputShape = []int64{1, int64(len(metadata.Classes))}
	}
	return metadata, nil
}

// InputShape is the batch-of-one tensor shape for a size×size RGB image.
func InputShape(size int, layout string) []int64 {
	s := int64(size)
	if layout == LayoutNCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

// NewOnnxModel initializes the onnxruntime environment if needed and opens a
// session for modelPath. libPath, when set, points at the onnxruntime shared
// library.
func NewOnnxModel(modelPath, libPath string, metadata Metadata, imageSize int) (*OnnxModel, error) {
	if !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &OnnxModel{
		session:     session,
		inputShape:  ort.NewShape(InputShape(imageSize, metadata.Layout)...),
		outputShape: ort.NewShape(metadata.OutputShape...),
	}, nil
}

func (m *OnnxModel) Run(input []float32) ([]float32, error) {
	if int64(len(input)) != m.inputShape.FlattenedSize() {
		return nil, fmt.Errorf("expected %d input values, got %d", m.inputShape.FlattenedSize(), len(input))
	}

	inputTensor, err := ort.NewTensor(m.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](m.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return append([]float32(nil), outputTensor.GetData()...), nil
}

func (m *OnnxModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	ort.DestroyEnvironment()
}
