// Package sharing implements the additive secret-sharing scheme used to
// split tensors across the serving cluster. A value is split into n shares
// whose modular sum reconstructs its fixed-point encoding; any subset of
// fewer than n shares is uniformly random.
package sharing

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
)

// Split produces n additive shares of a plaintext tensor. The first n-1
// shares are uniform; the last one is the correction share. Splitting is
// deterministic for a seeded source, cryptographically random otherwise.
func Split(f field.Field, plain field.Tensor, n int, src io.Reader) ([]field.Tensor, error) {
	if n < 2 {
		return nil, xerrors.Errorf("need at least 2 shares, got %d", n)
	}

	shares := make([]field.Tensor, n)
	last := plain.Clone()
	for i := 0; i < n-1; i++ {
		r, err := f.RandTensor(src, plain.Shape...)
		if err != nil {
			return nil, xerrors.Errorf("split tensor: %w", err)
		}
		shares[i] = r
		for j := range last.Data {
			last.Data[j] = f.Sub(last.Data[j], r.Data[j])
		}
	}
	shares[n-1] = last

	return shares, nil
}

// Combine reconstructs the plaintext encoding by summing all shares mod M.
// It fails with field.ErrShapeMismatch when the share shapes disagree.
func Combine(f field.Field, shares []field.Tensor) (field.Tensor, error) {
	if len(shares) == 0 {
		return field.Tensor{}, xerrors.Errorf("no shares to combine")
	}

	out := shares[0].Clone()
	for _, s := range shares[1:] {
		if !out.SameShape(s) {
			return field.Tensor{}, xerrors.Errorf("combine shares %v vs %v: %w",
				out.Shape, s.Shape, field.ErrShapeMismatch)
		}
		for j := range out.Data {
			out.Data[j] = f.Add(out.Data[j], s.Data[j])
		}
	}

	return out, nil
}

// SplitValues is a convenience wrapper that encodes real values before
// splitting them.
func SplitValues(f field.Field, values []float64, shape []int, n int, src io.Reader) ([]field.Tensor, error) {
	plain, err := f.EncodeTensor(values, shape...)
	if err != nil {
		return nil, err
	}
	return Split(f, plain, n, src)
}
