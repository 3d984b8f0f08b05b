package graph

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/model"
	"github.com/privml/trishare/node"
	"github.com/privml/trishare/sharing"
	"github.com/privml/trishare/storage"
)

// BundleLayer is the wire form of one compiled layer: the public structure
// plus one server's weight shares.
type BundleLayer struct {
	Kind       string       `json:"kind"`
	OutDim     int          `json:"outDim,omitempty"`
	Filters    int          `json:"filters,omitempty"`
	Kernel     int          `json:"kernel,omitempty"`
	Stride     int          `json:"stride,omitempty"`
	Padding    int          `json:"padding,omitempty"`
	Pool       int          `json:"pool,omitempty"`
	PoolStride int          `json:"poolStride,omitempty"`
	W          field.Tensor `json:"w,omitempty"`
	B          field.Tensor `json:"b,omitempty"`
}

// Bundle is the self-contained artifact the conversion step hands to one
// server: everything it needs to rebuild its graph, nothing it should not
// see. Distributing the bundles to the servers is the model owner's job.
type Bundle struct {
	Model      string        `json:"model"`
	Index      int           `json:"index"`
	Field      field.Field   `json:"field"`
	InputShape []int         `json:"inputShape"`
	Layers     []BundleLayer `json:"layers"`
}

// Digest returns the sha256 hex digest of the bundle, checked against the
// expected digest at node startup.
func (b *Bundle) Digest() string {
	return storage.Hash(b)
}

// LoadBundle reads a bundle from disk.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("load bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, xerrors.Errorf("parse bundle %s: %w", path, err)
	}
	return &b, nil
}

// Save writes the bundle as JSON.
func (b *Bundle) Save(path string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return xerrors.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Errorf("save bundle: %w", err)
	}
	return nil
}

// Convert compiles a plaintext model description and splits every weight
// tensor into per-server additive shares. This is the one-time conversion
// step; the description never leaves the caller.
func Convert(desc model.Description, f field.Field, src io.Reader) ([]*Bundle, error) {
	skeleton, err := compile(desc, f)
	if err != nil {
		return nil, err
	}

	n := node.NumParties
	bundles := make([]*Bundle, n)
	for i := range bundles {
		bundles[i] = &Bundle{
			Model:      desc.Name,
			Index:      i,
			Field:      f,
			InputShape: skeleton.InputShape,
			Layers:     make([]BundleLayer, len(skeleton.Ops)),
		}
	}

	for li, op := range skeleton.Ops {
		pub := BundleLayer{
			Kind:       op.Kind,
			Filters:    op.Filters,
			Kernel:     op.Kernel,
			Stride:     op.Stride,
			Padding:    op.Padding,
			Pool:       op.Pool,
			PoolStride: op.PoolStride,
		}
		if op.Kind == OpDense {
			pub.OutDim = op.OutShape[0]
		}

		layer := desc.Layers[li]
		if op.Kind == OpDense || op.Kind == OpConv2D {
			if len(layer.Weights) == 0 {
				return nil, xerrors.Errorf("layer %d (%s): no weights", li, op.Kind)
			}
			if len(layer.Bias) == 0 {
				layer.Bias = make([]float64, biasLen(op))
			} else if len(layer.Bias) != biasLen(op) {
				return nil, xerrors.Errorf("layer %d: %d bias values, expected %d: %w",
					li, len(layer.Bias), biasLen(op), field.ErrShapeMismatch)
			}
			wShape := []int{len(layer.Weights)}
			wShares, err := sharing.SplitValues(f, layer.Weights, wShape, n, src)
			if err != nil {
				return nil, xerrors.Errorf("split layer %d weights: %w", li, err)
			}
			bShares, err := sharing.SplitValues(f, layer.Bias, []int{len(layer.Bias)}, n, src)
			if err != nil {
				return nil, xerrors.Errorf("split layer %d bias: %w", li, err)
			}
			for i := range bundles {
				withShares := pub
				withShares.W = wShares[i]
				withShares.B = bShares[i]
				bundles[i].Layers[li] = withShares
			}
			continue
		}
		for i := range bundles {
			bundles[i].Layers[li] = pub
		}
	}

	return bundles, nil
}

func biasLen(op Op) int {
	if op.Kind == OpConv2D {
		return op.Filters
	}
	return op.OutShape[0]
}

// FromBundle rebuilds one server's runnable graph from its bundle. Shape
// inference is re-run, so a tampered or truncated bundle fails here instead
// of mid-request.
func FromBundle(b *Bundle) (*Graph, error) {
	desc := model.Description{
		Name:       b.Model,
		InputShape: b.InputShape,
		Layers:     make([]model.Layer, len(b.Layers)),
	}
	for i, l := range b.Layers {
		desc.Layers[i] = model.Layer{
			Kind:       l.Kind,
			OutDim:     l.OutDim,
			Filters:    l.Filters,
			Kernel:     l.Kernel,
			Stride:     l.Stride,
			Padding:    l.Padding,
			Pool:       l.Pool,
			PoolStride: l.PoolStride,
		}
	}

	g, err := compile(desc, b.Field)
	if err != nil {
		return nil, err
	}

	for i, l := range b.Layers {
		op := &g.Ops[i]
		switch op.Kind {
		case OpDense:
			in := field.Numel(op.InShape)
			if l.W.Numel() != op.OutShape[0]*in || l.B.Numel() != op.OutShape[0] {
				return nil, xerrors.Errorf("layer %d share sizes do not match shapes: %w",
					i, field.ErrShapeMismatch)
			}
			op.W, op.B = l.W, l.B
		case OpConv2D:
			k := op.Channels * op.Kernel * op.Kernel
			if l.W.Numel() != op.Filters*k || l.B.Numel() != op.Filters {
				return nil, xerrors.Errorf("layer %d share sizes do not match shapes: %w",
					i, field.ErrShapeMismatch)
			}
			op.W, op.B = l.W, l.B
		}
	}

	return g, nil
}

// compile runs shape inference over the description and produces the op
// list without weight shares.
func compile(desc model.Description, f field.Field) (*Graph, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if field.Numel(desc.InputShape) == 0 {
		return nil, xerrors.Errorf("model %q: empty input shape", desc.Name)
	}

	g := &Graph{
		Model:      desc.Name,
		Field:      f,
		InputShape: desc.InputShape,
		Ops:        make([]Op, len(desc.Layers)),
	}

	shape := desc.InputShape
	for i, layer := range desc.Layers {
		op := Op{Kind: layer.Kind, InShape: shape}

		switch layer.Kind {
		case model.LayerDense:
			if len(shape) != 1 {
				return nil, xerrors.Errorf("layer %d: dense expects a flat input, got %v: %w",
					i, shape, field.ErrShapeMismatch)
			}
			if layer.OutDim <= 0 {
				return nil, xerrors.Errorf("layer %d: dense outDim %d", i, layer.OutDim)
			}
			if len(layer.Weights) > 0 && len(layer.Weights) != layer.OutDim*shape[0] {
				return nil, xerrors.Errorf("layer %d: %d weights for (%d, %d): %w",
					i, len(layer.Weights), layer.OutDim, shape[0], field.ErrShapeMismatch)
			}
			op.OutShape = []int{layer.OutDim}

		case model.LayerConv2D:
			if len(shape) != 3 {
				return nil, xerrors.Errorf("layer %d: conv2d expects (C, H, W) input, got %v: %w",
					i, shape, field.ErrShapeMismatch)
			}
			if layer.Filters <= 0 || layer.Kernel <= 0 {
				return nil, xerrors.Errorf("layer %d: conv2d filters %d kernel %d",
					i, layer.Filters, layer.Kernel)
			}
			op.Filters = layer.Filters
			op.Kernel = layer.Kernel
			op.Stride = layer.Stride
			if op.Stride == 0 {
				op.Stride = 1
			}
			op.Padding = layer.Padding
			op.Channels, op.InH, op.InW = shape[0], shape[1], shape[2]
			op.OutH = (op.InH+2*op.Padding-op.Kernel)/op.Stride + 1
			op.OutW = (op.InW+2*op.Padding-op.Kernel)/op.Stride + 1
			if op.OutH <= 0 || op.OutW <= 0 {
				return nil, xerrors.Errorf("layer %d: conv2d kernel %d does not fit input %v: %w",
					i, op.Kernel, shape, field.ErrShapeMismatch)
			}
			if len(layer.Weights) > 0 &&
				len(layer.Weights) != op.Filters*op.Channels*op.Kernel*op.Kernel {
				return nil, xerrors.Errorf("layer %d: %d weights for conv2d: %w",
					i, len(layer.Weights), field.ErrShapeMismatch)
			}
			op.OutShape = []int{op.Filters, op.OutH, op.OutW}

		case model.LayerReLU:
			op.OutShape = shape

		case model.LayerMaxPool2D:
			if len(shape) != 3 {
				return nil, xerrors.Errorf("layer %d: maxpool2d expects (C, H, W) input, got %v: %w",
					i, shape, field.ErrShapeMismatch)
			}
			if layer.Pool <= 1 {
				return nil, xerrors.Errorf("layer %d: maxpool2d pool %d", i, layer.Pool)
			}
			op.Pool = layer.Pool
			op.PoolStride = layer.PoolStride
			if op.PoolStride == 0 {
				op.PoolStride = op.Pool
			}
			op.Channels, op.InH, op.InW = shape[0], shape[1], shape[2]
			op.OutH = (op.InH-op.Pool)/op.PoolStride + 1
			op.OutW = (op.InW-op.Pool)/op.PoolStride + 1
			if op.OutH <= 0 || op.OutW <= 0 {
				return nil, xerrors.Errorf("layer %d: maxpool2d window %d does not fit input %v: %w",
					i, op.Pool, shape, field.ErrShapeMismatch)
			}
			op.OutShape = []int{op.Channels, op.OutH, op.OutW}

		case model.LayerFlatten:
			op.OutShape = []int{field.Numel(shape)}

		default:
			return nil, xerrors.Errorf("layer %d: unknown kind %q", i, layer.Kind)
		}

		g.Ops[i] = op
		shape = op.OutShape
	}

	g.OutputShape = shape
	return g, nil
}
