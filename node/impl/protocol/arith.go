package protocol

import (
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
)

// truncMaskBits bounds the additive mask used by the truncation reveal.
// The gap between truncMaskBits and the magnitude bound of the masked value
// is the statistical hiding margin of the reveal.
const truncMaskBits = 57

// intHeadroomBits bounds the integer part of any intermediate value:
// |value| must stay below 2^intHeadroomBits after scaling away the
// fractional bits. Exceeding it wraps the truncation offset; this is the
// PrecisionOverflow risk class and must be handled by sizing the modulus
// and scale at configuration time, not at runtime.
const intHeadroomBits = 20

// Add is share-wise addition: local, zero communication.
func (e *Exec) Add(x, y field.Tensor) (field.Tensor, error) {
	return e.m.conf.Field.AddTensor(x, y)
}

// Sub is share-wise subtraction: local, zero communication.
func (e *Exec) Sub(x, y field.Tensor) (field.Tensor, error) {
	return e.m.conf.Field.SubTensor(x, y)
}

// AddPublic adds a public tensor to a shared one. Only the first party
// shifts its share; the sum of shares moves by exactly pub.
func (e *Exec) AddPublic(x, pub field.Tensor) (field.Tensor, error) {
	if e.m.conf.Index != 0 {
		return x.Clone(), nil
	}
	return e.m.conf.Field.AddTensor(x, pub)
}

// Open reconstructs a shared tensor among the servers: every party
// broadcasts its share and sums all three. One round.
func (e *Exec) Open(x field.Tensor) (field.Tensor, error) {
	opID := e.nextOp()

	peers, err := e.exchange(opID, 0, []field.Tensor{x})
	if err != nil {
		return field.Tensor{}, err
	}

	f := e.m.conf.Field
	out := x.Clone()
	for origin, shares := range peers {
		if len(shares) != 1 || !shares[0].SameShape(x) {
			return field.Tensor{}, malformed(e.reqID, opID, origin)
		}
		if err := f.AccTensor(&out, shares[0]); err != nil {
			return field.Tensor{}, malformed(e.reqID, opID, origin)
		}
	}
	return out, nil
}

// MulRaw multiplies two shared tensors elementwise with Beaver triples,
// leaving the fixed-point scale doubled. Each party broadcasts exactly one
// masked payload (the d and e tensors) and combines the three openings
// locally. One round, one triple per scalar multiplication.
func (e *Exec) MulRaw(x, y field.Tensor) (field.Tensor, error) {
	f := e.m.conf.Field
	if !x.SameShape(y) {
		return field.Tensor{}, xerrors.Errorf("mul operands %v vs %v: %w",
			x.Shape, y.Shape, field.ErrShapeMismatch)
	}
	opID := e.nextOp()

	a, b, c, err := e.alloc.Next(x.Numel())
	if err != nil {
		return field.Tensor{}, err
	}
	a, _ = a.Reshape(x.Shape...)
	b, _ = b.Reshape(x.Shape...)
	c, _ = c.Reshape(x.Shape...)

	d, err := f.SubTensor(x, a)
	if err != nil {
		return field.Tensor{}, err
	}
	ee, err := f.SubTensor(y, b)
	if err != nil {
		return field.Tensor{}, err
	}

	peers, err := e.exchange(opID, 0, []field.Tensor{d, ee})
	if err != nil {
		return field.Tensor{}, err
	}

	// open d = x - a and e = y - b
	for origin, shares := range peers {
		if len(shares) != 2 || !shares[0].SameShape(x) || !shares[1].SameShape(x) {
			return field.Tensor{}, malformed(e.reqID, opID, origin)
		}
		f.AccTensor(&d, shares[0])
		f.AccTensor(&ee, shares[1])
	}

	// z_i = c_i + d*b_i + e*a_i, plus the public d*e on the first party
	out := c
	for i := range out.Data {
		out.Data[i] = f.Add(out.Data[i], f.Mul(d.Data[i], b.Data[i]))
		out.Data[i] = f.Add(out.Data[i], f.Mul(ee.Data[i], a.Data[i]))
		if e.m.conf.Index == 0 {
			out.Data[i] = f.Add(out.Data[i], f.Mul(d.Data[i], ee.Data[i]))
		}
	}
	return out, nil
}

// Truncate rescales a product share tensor from 2*FracBits back to
// FracBits: the parties reveal the value under a fresh additive mask and a
// public offset, shift the public reveal, and subtract the pre-shifted mask
// shares. Reconstruction error is a few units in the last place, from the
// dropped carries. One round. No-op for integer-only fields.
func (e *Exec) Truncate(z field.Tensor) (field.Tensor, error) {
	f := e.m.conf.Field
	if f.FracBits == 0 {
		return z.Clone(), nil
	}

	r, rt, err := e.truncPair(z.Shape)
	if err != nil {
		return field.Tensor{}, err
	}

	offset := uint64(1) << (2*f.FracBits + intHeadroomBits)
	offT := field.NewTensor(z.Shape...)
	for i := range offT.Data {
		offT.Data[i] = offset % f.Modulus
	}

	w, err := f.AddTensor(z, r)
	if err != nil {
		return field.Tensor{}, err
	}
	w, err = e.AddPublic(w, offT)
	if err != nil {
		return field.Tensor{}, err
	}

	wPub, err := e.Open(w)
	if err != nil {
		return field.Tensor{}, err
	}

	out := field.NewTensor(z.Shape...)
	offShift := offset >> f.FracBits
	for i := range out.Data {
		if e.m.conf.Index == 0 {
			shifted := wPub.Data[i] >> f.FracBits
			out.Data[i] = f.Sub(f.Sub(shifted%f.Modulus, offShift%f.Modulus), rt.Data[i])
		} else {
			out.Data[i] = f.Neg(rt.Data[i])
		}
	}
	return out, nil
}

// Mul is the fixed-point secure multiplication: MulRaw followed by
// Truncate. Two rounds total.
func (e *Exec) Mul(x, y field.Tensor) (field.Tensor, error) {
	z, err := e.MulRaw(x, y)
	if err != nil {
		return field.Tensor{}, err
	}
	return e.Truncate(z)
}

// truncPair samples this party's additive contribution to a truncation pair
// (r, r >> FracBits). Contributions are bounded so the joint mask never
// wraps the modulus; no communication is needed.
func (e *Exec) truncPair(shape []int) (field.Tensor, field.Tensor, error) {
	f := e.m.conf.Field
	bound := (uint64(1) << truncMaskBits) / 3
	r := field.NewTensor(shape...)
	rt := field.NewTensor(shape...)
	for i := range r.Data {
		v, err := f.RandBounded(e.m.conf.Rand, bound)
		if err != nil {
			return field.Tensor{}, field.Tensor{}, err
		}
		r.Data[i] = v
		rt.Data[i] = v >> f.FracBits
	}
	return r, rt, nil
}
