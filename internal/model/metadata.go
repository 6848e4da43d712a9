package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes the exported classifier.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Accuracy    string   `json:"accuracy"`
	Precision   string   `json:"precision"`
	Recall      string   `json:"recall"`
}

// DefaultMetadata describes the tyre classifier as trained.
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 300, 300, 3},
		OutputShape: []int64{1, 1},
		Classes:     []string{"Defective Tyre", "Good Tyre"},
		ImageSize:   300,
		Accuracy:    "95.45%",
		Precision:   "94.74%",
		Recall:      "97.75%",
	}
}

// LoadMetadata reads path and overlays it on DefaultMetadata. A missing
// file yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return meta, err
	}
	return meta, nil
}

// ElementCount returns the number of values in the per-image input tensor,
// i.e. the input shape without its batch dimension.
func (m Metadata) ElementCount() int {
	if len(m.InputShape) < 2 {
		return 0
	}
	n := 1
	for _, dim := range m.InputShape[1:] {
		n *= int(dim)
	}
	return n
}

func (m Metadata) validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input shape %v must be (1,H,W,C)", m.InputShape)
	}
	out := 1
	for _, dim := range m.OutputShape {
		out *= int(dim)
	}
	if out != 1 {
		return fmt.Errorf("output shape %v must hold a single score", m.OutputShape)
	}
	if m.InputName == "" || m.OutputName == "" {
		return errors.New("input and output tensor names are required")
	}
	return nil
}
