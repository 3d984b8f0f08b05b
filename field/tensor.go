package field

import (
	"io"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// Tensor is a flat, row-major tensor of ring elements. A Tensor holding one
// additive share of a secret is owned exclusively by the server holding it.
type Tensor struct {
	Shape []int    `json:"shape"`
	Data  []uint64 `json:"data"`
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]uint64, Numel(shape))}
}

// Numel returns the number of elements implied by a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements of the tensor.
func (t Tensor) Numel() int {
	return len(t.Data)
}

// SameShape reports whether both tensors carry the identical shape.
func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a view-copy with a new shape of equal element count.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if Numel(shape) != t.Numel() {
		return Tensor{}, xerrors.Errorf("reshape %v to %v: %w", t.Shape, shape, ErrShapeMismatch)
	}
	return Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// checkShapes verifies that all tensors share one shape.
func checkShapes(ts ...Tensor) error {
	for i := 1; i < len(ts); i++ {
		if !ts[0].SameShape(ts[i]) {
			return xerrors.Errorf("tensor shapes %v vs %v: %w", ts[0].Shape, ts[i].Shape, ErrShapeMismatch)
		}
	}
	return nil
}

// AddTensor returns the elementwise modular sum.
func (f Field) AddTensor(a, b Tensor) (Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return Tensor{}, err
	}
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = f.Add(a.Data[i], b.Data[i])
	}
	return out, nil
}

// SubTensor returns the elementwise modular difference.
func (f Field) SubTensor(a, b Tensor) (Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return Tensor{}, err
	}
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = f.Sub(a.Data[i], b.Data[i])
	}
	return out, nil
}

// MulTensor returns the elementwise modular product.
func (f Field) MulTensor(a, b Tensor) (Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return Tensor{}, err
	}
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = f.Mul(a.Data[i], b.Data[i])
	}
	return out, nil
}

// AccTensor adds src into dst in place. Shapes must already agree.
func (f Field) AccTensor(dst *Tensor, src Tensor) error {
	if err := checkShapes(*dst, src); err != nil {
		return err
	}
	for i := range dst.Data {
		dst.Data[i] = f.Add(dst.Data[i], src.Data[i])
	}
	return nil
}

// EncodeTensor fixed-point-encodes a real tensor.
func (f Field) EncodeTensor(values []float64, shape ...int) (Tensor, error) {
	if len(values) != Numel(shape) {
		return Tensor{}, xerrors.Errorf("%d values for shape %v: %w", len(values), shape, ErrShapeMismatch)
	}
	out := NewTensor(shape...)
	for i, v := range values {
		out.Data[i] = f.Encode(v)
	}
	return out, nil
}

// DecodeTensor decodes a plaintext tensor back to real values.
func (f Field) DecodeTensor(t Tensor) []float64 {
	out := make([]float64, t.Numel())
	for i, u := range t.Data {
		out[i] = f.Decode(u)
	}
	return out
}

// RandTensor samples a uniform tensor.
func (f Field) RandTensor(src io.Reader, shape ...int) (Tensor, error) {
	out := NewTensor(shape...)
	for i := range out.Data {
		v, err := f.Rand(src)
		if err != nil {
			return Tensor{}, err
		}
		out.Data[i] = v
	}
	return out, nil
}
