// Package graph compiles a network description into the fixed operation
// list the servers replay for every prediction request. All shapes are
// static: the triple demand of a request is known before the first round,
// and the input share is shape-checked before any communication happens.
//
// Linear layers are lowered to one batched elementwise secure multiplication
// (dense directly, convolution through im2col), a local sum over the
// contraction axis and a single truncation, so a layer costs two rounds and
// one triple per scalar multiplication.
package graph

import (
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/node/impl/protocol"
)

// Op kinds mirror the model layer kinds.
const (
	OpDense   = "dense"
	OpConv2D  = "conv2d"
	OpReLU    = "relu"
	OpMaxPool = "maxpool2d"
	OpFlatten = "flatten"
)

// Op is one compiled operation with resolved static shapes. W and B hold
// this server's additive weight shares; they are nil for weightless ops.
type Op struct {
	Kind     string
	InShape  []int
	OutShape []int

	W field.Tensor
	B field.Tensor

	// conv2d
	Filters  int
	Kernel   int
	Stride   int
	Padding  int
	Channels int
	InH, InW int
	OutH     int
	OutW     int

	// maxpool2d
	Pool       int
	PoolStride int
}

// Graph is one server's compiled network: public structure plus that
// server's weight shares.
type Graph struct {
	Model       string
	Field       field.Field
	InputShape  []int
	OutputShape []int
	Ops         []Op
}

// TripleDemand returns the exact number of Beaver triples one run consumes.
// It depends only on the static shapes, so all three servers reserve the
// same budget for a request.
func (g *Graph) TripleDemand() int {
	total := 0
	for i := range g.Ops {
		total += g.Ops[i].tripleDemand()
	}
	return total
}

func (op *Op) tripleDemand() int {
	switch op.Kind {
	case OpDense:
		return field.Numel(op.InShape) * op.OutShape[0]
	case OpConv2D:
		return op.Filters * op.OutH * op.OutW * op.Channels * op.Kernel * op.Kernel
	case OpReLU:
		return field.Numel(op.InShape)
	case OpMaxPool:
		return field.Numel(op.OutShape) * (op.Pool*op.Pool - 1)
	default:
		return 0
	}
}

// Run replays the graph over one input share. All three servers call Run
// with the same execution context state; the operation order is the wire
// order, so round keys line up across nodes.
func (g *Graph) Run(e *protocol.Exec, input field.Tensor) (field.Tensor, error) {
	if !slices.Equal(input.Shape, g.InputShape) {
		return field.Tensor{}, xerrors.Errorf("input shape %v, graph expects %v: %w",
			input.Shape, g.InputShape, field.ErrShapeMismatch)
	}

	x := input
	for i := range g.Ops {
		var err error
		x, err = g.Ops[i].run(e, x)
		if err != nil {
			return field.Tensor{}, xerrors.Errorf("op %d (%s): %w", i, g.Ops[i].Kind, err)
		}
	}
	return x, nil
}

func (op *Op) run(e *protocol.Exec, x field.Tensor) (field.Tensor, error) {
	switch op.Kind {
	case OpDense:
		return op.runDense(e, x)
	case OpConv2D:
		return op.runConv2D(e, x)
	case OpReLU:
		return e.ReLU(x)
	case OpMaxPool:
		return op.runMaxPool(e, x)
	case OpFlatten:
		return x.Reshape(op.OutShape...)
	default:
		return field.Tensor{}, xerrors.Errorf("unknown op kind %q", op.Kind)
	}
}

// runDense computes W*x + b over shares. The (out, in) matrix-vector product
// expands to out*in elementwise multiplications in one round; the sum over
// the contraction axis is local, so only one truncation is needed.
func (op *Op) runDense(e *protocol.Exec, x field.Tensor) (field.Tensor, error) {
	in := x.Numel()
	out := op.OutShape[0]

	xe := field.NewTensor(out * in)
	for r := 0; r < out; r++ {
		copy(xe.Data[r*in:(r+1)*in], x.Data)
	}
	we, err := op.W.Reshape(out * in)
	if err != nil {
		return field.Tensor{}, err
	}

	prods, err := e.MulRaw(we, xe)
	if err != nil {
		return field.Tensor{}, err
	}

	z := contract(e, prods, out, in)

	z, err = e.Truncate(z)
	if err != nil {
		return field.Tensor{}, err
	}
	return e.Add(z, op.B)
}

// runConv2D lowers the convolution to im2col columns and one batched
// multiplication: for every filter, its kernel is multiplied against every
// column, summed locally and truncated once.
func (op *Op) runConv2D(e *protocol.Exec, x field.Tensor) (field.Tensor, error) {
	cols := op.im2col(x)
	positions := op.OutH * op.OutW
	k := op.Channels * op.Kernel * op.Kernel

	we := field.NewTensor(op.Filters * positions * k)
	xe := field.NewTensor(op.Filters * positions * k)
	for fi := 0; fi < op.Filters; fi++ {
		kernel := op.W.Data[fi*k : (fi+1)*k]
		for p := 0; p < positions; p++ {
			base := (fi*positions + p) * k
			copy(we.Data[base:base+k], kernel)
			copy(xe.Data[base:base+k], cols.Data[p*k:(p+1)*k])
		}
	}

	prods, err := e.MulRaw(we, xe)
	if err != nil {
		return field.Tensor{}, err
	}

	z := contract(e, prods, op.Filters*positions, k)

	z, err = e.Truncate(z)
	if err != nil {
		return field.Tensor{}, err
	}

	// bias share of filter fi is added at every spatial position; the
	// repeated shares still sum to the bias across the three servers
	f := e.Field()
	for fi := 0; fi < op.Filters; fi++ {
		b := op.B.Data[fi]
		for p := 0; p < positions; p++ {
			i := fi*positions + p
			z.Data[i] = f.Add(z.Data[i], b)
		}
	}

	return z.Reshape(op.OutShape...)
}

// im2col gathers the (positions, k) patch matrix of the input share. Padded
// positions are zero, which is a valid share of zero on every server. Pure
// index shuffling, no communication.
func (op *Op) im2col(x field.Tensor) field.Tensor {
	k := op.Channels * op.Kernel * op.Kernel
	cols := field.NewTensor(op.OutH * op.OutW * k)

	idx := 0
	for oy := 0; oy < op.OutH; oy++ {
		for ox := 0; ox < op.OutW; ox++ {
			for c := 0; c < op.Channels; c++ {
				for ky := 0; ky < op.Kernel; ky++ {
					for kx := 0; kx < op.Kernel; kx++ {
						iy := oy*op.Stride + ky - op.Padding
						ix := ox*op.Stride + kx - op.Padding
						if iy >= 0 && iy < op.InH && ix >= 0 && ix < op.InW {
							cols.Data[idx] = x.Data[(c*op.InH+iy)*op.InW+ix]
						}
						idx++
					}
				}
			}
		}
	}
	return cols
}

// runMaxPool reduces each pool window with pairwise sign-reveal maxima:
// window element j of every output position is gathered into one tensor, so
// each reduction step is a single two-round MaxPairs over all positions.
func (op *Op) runMaxPool(e *protocol.Exec, x field.Tensor) (field.Tensor, error) {
	outNumel := field.Numel(op.OutShape)
	window := op.Pool * op.Pool

	slice := func(j int) field.Tensor {
		ky, kx := j/op.Pool, j%op.Pool
		s := field.NewTensor(outNumel)
		i := 0
		for c := 0; c < op.Channels; c++ {
			for oy := 0; oy < op.OutH; oy++ {
				for ox := 0; ox < op.OutW; ox++ {
					iy := oy*op.PoolStride + ky
					ix := ox*op.PoolStride + kx
					s.Data[i] = x.Data[(c*op.InH+iy)*op.InW+ix]
					i++
				}
			}
		}
		return s
	}

	acc := slice(0)
	for j := 1; j < window; j++ {
		var err error
		acc, err = e.MaxPairs(acc, slice(j))
		if err != nil {
			return field.Tensor{}, err
		}
	}
	return acc.Reshape(op.OutShape...)
}

// contract sums rows of length k locally; shares of the row sums still sum
// to the plaintext row sums.
func contract(e *protocol.Exec, prods field.Tensor, rows, k int) field.Tensor {
	f := e.Field()
	z := field.NewTensor(rows)
	for r := 0; r < rows; r++ {
		for j := 0; j < k; j++ {
			z.Data[r] = f.Add(z.Data[r], prods.Data[r*k+j])
		}
	}
	return z
}
