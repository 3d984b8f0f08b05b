// Package model holds the plaintext description of a trained network: the
// layer list with concrete weights, as exported by the training pipeline.
// The description only ever exists on the model owner's machine; the servers
// see weight shares produced by the graph conversion.
package model

import (
	"encoding/json"
	"os"

	"golang.org/x/xerrors"
)

// Layer kinds.
const (
	LayerDense     = "dense"
	LayerConv2D    = "conv2d"
	LayerReLU      = "relu"
	LayerMaxPool2D = "maxpool2d"
	LayerFlatten   = "flatten"
)

// Layer is one tagged layer of the network. Only the fields of its kind are
// meaningful.
type Layer struct {
	Kind string `json:"kind"`

	// dense: Weights is row-major (OutDim, in), Bias has OutDim entries.
	OutDim  int       `json:"outDim,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
	Bias    []float64 `json:"bias,omitempty"`

	// conv2d: Weights is (Filters, inChannels, Kernel, Kernel) row-major,
	// Bias has Filters entries. Stride defaults to 1, Padding to 0.
	Filters int `json:"filters,omitempty"`
	Kernel  int `json:"kernel,omitempty"`
	Stride  int `json:"stride,omitempty"`
	Padding int `json:"padding,omitempty"`

	// maxpool2d: Pool is the window edge, PoolStride defaults to Pool.
	Pool       int `json:"pool,omitempty"`
	PoolStride int `json:"poolStride,omitempty"`
}

// Description is a trained network: input shape plus the ordered layers.
type Description struct {
	Name       string  `json:"name"`
	InputShape []int   `json:"inputShape"`
	Layers     []Layer `json:"layers"`
}

// Load reads a JSON description from disk.
func Load(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, xerrors.Errorf("load model: %w", err)
	}
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return Description{}, xerrors.Errorf("parse model %s: %w", path, err)
	}
	return desc, nil
}

// Save writes the description as JSON.
func (d Description) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return xerrors.Errorf("marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Errorf("save model: %w", err)
	}
	return nil
}
