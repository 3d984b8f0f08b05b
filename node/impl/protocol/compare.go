package protocol

import (
	"github.com/privml/trishare/field"
)

// compareMaskBits bounds the random positive factor used by sign reveals.
// The factor multiplicatively masks the magnitude of the compared value;
// the product must stay below Modulus/2, which the intHeadroomBits bound
// guarantees for the default field.
const compareMaskBits = 16

// signMask samples this party's additive contribution to a joint positive
// mask: each contribution is at least 1, so the joint factor is in
// [3, 2^compareMaskBits) and never flips the sign of the product.
func (e *Exec) signMask(shape []int) (field.Tensor, error) {
	f := e.m.conf.Field
	bound := (uint64(1) << compareMaskBits) / 3
	r := field.NewTensor(shape...)
	for i := range r.Data {
		v, err := f.RandBounded(e.m.conf.Rand, bound-1)
		if err != nil {
			return field.Tensor{}, err
		}
		r.Data[i] = v + 1
	}
	return r, nil
}

// SignBits reveals, per element, only the sign bit of the shared tensor:
// the parties multiply it by a joint random positive factor and open the
// product, whose magnitude is masked but whose sign equals the secret's.
// Returns true for negative elements. Two rounds (one multiplication, one
// reveal), one triple per element.
func (e *Exec) SignBits(x field.Tensor) ([]bool, error) {
	r, err := e.signMask(x.Shape)
	if err != nil {
		return nil, err
	}

	y, err := e.MulRaw(x, r)
	if err != nil {
		return nil, err
	}

	w, err := e.Open(y)
	if err != nil {
		return nil, err
	}

	f := e.m.conf.Field
	bits := make([]bool, w.Numel())
	for i, v := range w.Data {
		bits[i] = f.Signed(v)
	}
	return bits, nil
}

// ReLU computes max(0, x) elementwise over shares: the sign bits of the
// masked values are revealed, negative positions are zeroed on every
// party. Fixed cost of two rounds regardless of tensor size.
func (e *Exec) ReLU(x field.Tensor) (field.Tensor, error) {
	neg, err := e.SignBits(x)
	if err != nil {
		return field.Tensor{}, err
	}

	out := x.Clone()
	for i := range out.Data {
		if neg[i] {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// MaxPairs selects elementwise max(a, b) over shares by revealing the sign
// of the masked difference. Two rounds.
func (e *Exec) MaxPairs(a, b field.Tensor) (field.Tensor, error) {
	d, err := e.Sub(a, b)
	if err != nil {
		return field.Tensor{}, err
	}

	neg, err := e.SignBits(d)
	if err != nil {
		return field.Tensor{}, err
	}

	out := a.Clone()
	for i := range out.Data {
		if neg[i] {
			out.Data[i] = b.Data[i]
		}
	}
	return out, nil
}
