// Package model loads the exported tyre classifier into ONNX Runtime.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/tyre-check/internal/imageprocessor"
)

// ErrModelNotFound is returned by Load when the model file does not exist.
var ErrModelNotFound = errors.New("model file not found")

// Options configures Load.
type Options struct {
	ModelPath     string
	MetadataPath  string
	SharedLibrary string
}

// ONNXModel wraps an ONNX Runtime session bound to fixed input and output
// tensors. Runs are serialized since the bound tensors are shared.
type ONNXModel struct {
	Metadata Metadata

	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Load initializes ONNX Runtime and opens the model at opts.ModelPath.
// It returns ErrModelNotFound when the file is absent so callers can keep
// serving without classification.
func Load(opts Options, logger *zap.Logger) (*ONNXModel, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, opts.ModelPath)
		}
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}

	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	if opts.SharedLibrary != "" {
		ort.SetSharedLibraryPath(opts.SharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	m, err := newSession(opts.ModelPath, metadata)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	logger.Info("model loaded",
		zap.String("path", opts.ModelPath),
		zap.Int64s("input_shape", metadata.InputShape),
		zap.Strings("classes", metadata.Classes),
	)
	return m, nil
}

func newSession(modelPath string, metadata Metadata) (*ONNXModel, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXModel{
		Metadata:     metadata,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Score runs inference on a single-image tensor and returns the raw
// sigmoid output.
func (m *ONNXModel) Score(ctx context.Context, tensor *imageprocessor.Tensor) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkInput(tensor, m.Metadata.ElementCount()); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.inputTensor.GetData(), tensor.Data)
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	return firstScore(m.outputTensor.GetData())
}

func checkInput(tensor *imageprocessor.Tensor, want int) error {
	if tensor == nil {
		return errors.New("nil input tensor")
	}
	if len(tensor.Data) != want {
		return fmt.Errorf("tensor has %d values, model expects %d", len(tensor.Data), want)
	}
	return nil
}

func firstScore(out []float32) (float32, error) {
	if len(out) == 0 {
		return 0, errors.New("inference produced no output")
	}
	return out[0], nil
}

// Close releases the session, its tensors and the ONNX environment.
func (m *ONNXModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	ort.DestroyEnvironment()
}
