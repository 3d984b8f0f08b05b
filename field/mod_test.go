package field

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func Test_Field_Arithmetic_Wraps(t *testing.T) {
	f := Default()

	require.Equal(t, uint64(0), f.Add(f.Modulus-1, 1))
	require.Equal(t, f.Modulus-1, f.Sub(0, 1))
	require.Equal(t, uint64(0), f.Neg(0))
	require.Equal(t, uint64(1), f.Add(f.Neg(5), 6))

	// (M-1)^2 = M^2 - 2M + 1 = 1 mod M
	require.Equal(t, uint64(1), f.Mul(f.Modulus-1, f.Modulus-1))
	require.Equal(t, uint64(0), f.Mul(f.Modulus-1, 0))
}

func Test_Field_Encode_Decode_Roundtrip(t *testing.T) {
	f := Default()

	for _, x := range []float64{0, 1, -1, 2.5, -2.5, 1234.0625, -0.0009765625} {
		u := f.Encode(x)
		require.InDelta(t, x, f.Decode(u), 1.0/float64(uint64(1)<<f.FracBits))
	}

	require.True(t, f.Signed(f.Encode(-1)))
	require.False(t, f.Signed(f.Encode(1)))
	require.False(t, f.Signed(f.Encode(0)))
}

func Test_Field_DecodeFrac_Double_Scale(t *testing.T) {
	f := Default()

	// the product of two encodings carries 2*FracBits fractional bits
	u := f.Mul(f.Encode(2.5), f.Encode(-1.5))
	require.InDelta(t, -3.75, f.DecodeFrac(u, 2*f.FracBits), 0.001)
}

func Test_Field_Rand_Bounded(t *testing.T) {
	f := Default()
	src := NewSeededSource(1)

	for i := 0; i < 100; i++ {
		v, err := f.RandBounded(src, 10)
		require.NoError(t, err)
		require.Less(t, v, uint64(10))
	}

	_, err := f.RandBounded(src, 0)
	require.Error(t, err)
}

func Test_Field_Validate(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.Error(t, Field{Modulus: 16, FracBits: 2}.Validate())
	require.Error(t, Field{Modulus: 1, FracBits: 0}.Validate())
	require.Error(t, Field{Modulus: DefaultModulus, FracBits: 16}.Validate())
}

func Test_Tensor_Shape_Checks(t *testing.T) {
	f := Default()

	a := NewTensor(2, 3)
	b := NewTensor(3, 2)
	_, err := f.AddTensor(a, b)
	require.True(t, xerrors.Is(err, ErrShapeMismatch))

	_, err = a.Reshape(7)
	require.True(t, xerrors.Is(err, ErrShapeMismatch))

	r, err := a.Reshape(6)
	require.NoError(t, err)
	require.Equal(t, []int{6}, r.Shape)
	require.Equal(t, 6, r.Numel())
}

func Test_Tensor_Encode_Decode(t *testing.T) {
	f := Default()

	values := []float64{1.0, -2.0, 3.0, 0.5}
	tn, err := f.EncodeTensor(values, 2, 2)
	require.NoError(t, err)

	decoded := f.DecodeTensor(tn)
	for i := range values {
		require.InDelta(t, values[i], decoded[i], 0.001)
	}

	_, err = f.EncodeTensor(values, 3)
	require.True(t, xerrors.Is(err, ErrShapeMismatch))
}
