package sharing

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
)

func Test_Sharing_Reconstructs(t *testing.T) {
	f := field.Default()
	src := field.NewSeededSource(7)

	plain, err := f.EncodeTensor([]float64{1.0, -2.0, 3.0}, 3)
	require.NoError(t, err)

	shares, err := Split(f, plain, 3, src)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	// no share equals the plaintext
	for _, s := range shares {
		require.NotEqual(t, plain.Data, s.Data)
	}

	combined, err := Combine(f, shares)
	require.NoError(t, err)
	require.Equal(t, plain.Data, combined.Data)
}

func Test_Sharing_Deterministic_Under_Seed(t *testing.T) {
	f := field.Default()
	plain, err := f.EncodeTensor([]float64{4.25}, 1)
	require.NoError(t, err)

	a, err := Split(f, plain, 3, field.NewSeededSource(11))
	require.NoError(t, err)
	b, err := Split(f, plain, 3, field.NewSeededSource(11))
	require.NoError(t, err)

	for i := range a {
		require.Equal(t, a[i].Data, b[i].Data)
	}
}

func Test_Sharing_Combine_Shape_Mismatch(t *testing.T) {
	f := field.Default()

	_, err := Combine(f, []field.Tensor{field.NewTensor(2), field.NewTensor(3)})
	require.True(t, xerrors.Is(err, field.ErrShapeMismatch))

	_, err = Combine(f, nil)
	require.Error(t, err)
}

func Test_Sharing_Needs_Two_Shares(t *testing.T) {
	f := field.Default()
	_, err := Split(f, field.NewTensor(1), 1, field.NewSeededSource(1))
	require.Error(t, err)
}
