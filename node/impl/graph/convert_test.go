package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/privml/trishare/field"
	"github.com/privml/trishare/model"
	"github.com/privml/trishare/sharing"
)

func denseModel() model.Description {
	return model.Description{
		Name:       "dense-test",
		InputShape: []int{3},
		Layers: []model.Layer{
			{
				Kind:   model.LayerDense,
				OutDim: 2,
				Weights: []float64{
					1.0, 0.0, -1.0,
					0.5, 2.0, 0.25,
				},
				Bias: []float64{0.5, -1.0},
			},
			{Kind: model.LayerReLU},
		},
	}
}

func convModel() model.Description {
	weights := make([]float64, 2*1*2*2)
	for i := range weights {
		weights[i] = float64(i) * 0.25
	}
	return model.Description{
		Name:       "conv-test",
		InputShape: []int{1, 4, 4},
		Layers: []model.Layer{
			{Kind: model.LayerConv2D, Filters: 2, Kernel: 2, Weights: weights, Bias: []float64{0, 0.5}},
			{Kind: model.LayerMaxPool2D, Pool: 2},
			{Kind: model.LayerFlatten},
			{Kind: model.LayerDense, OutDim: 1, Weights: []float64{1, 1}, Bias: []float64{0}},
		},
	}
}

func Test_Graph_Shape_Inference(t *testing.T) {
	f := field.Default()

	g, err := compile(convModel(), f)
	require.NoError(t, err)

	require.Equal(t, []int{2, 3, 3}, g.Ops[0].OutShape)
	require.Equal(t, []int{2, 1, 1}, g.Ops[1].OutShape)
	require.Equal(t, []int{2}, g.Ops[2].OutShape)
	require.Equal(t, []int{1}, g.OutputShape)
}

func Test_Graph_Shape_Inference_Failures(t *testing.T) {
	f := field.Default()

	// dense on a 3D input
	_, err := compile(model.Description{
		Name:       "bad",
		InputShape: []int{1, 4, 4},
		Layers:     []model.Layer{{Kind: model.LayerDense, OutDim: 2, Weights: []float64{1, 2}}},
	}, f)
	require.True(t, xerrors.Is(err, field.ErrShapeMismatch))

	// wrong weight count
	_, err = compile(model.Description{
		Name:       "bad",
		InputShape: []int{3},
		Layers:     []model.Layer{{Kind: model.LayerDense, OutDim: 2, Weights: []float64{1, 2}}},
	}, f)
	require.True(t, xerrors.Is(err, field.ErrShapeMismatch))

	// kernel larger than input
	_, err = compile(model.Description{
		Name:       "bad",
		InputShape: []int{1, 2, 2},
		Layers:     []model.Layer{{Kind: model.LayerConv2D, Filters: 1, Kernel: 4}},
	}, f)
	require.True(t, xerrors.Is(err, field.ErrShapeMismatch))

	// unknown layer kind
	_, err = compile(model.Description{
		Name:       "bad",
		InputShape: []int{3},
		Layers:     []model.Layer{{Kind: "softmax"}},
	}, f)
	require.Error(t, err)
}

func Test_Graph_TripleDemand_Is_Static(t *testing.T) {
	f := field.Default()

	g, err := compile(denseModel(), f)
	require.NoError(t, err)
	// dense 2x3 plus relu over 2 elements
	require.Equal(t, 2*3+2, g.TripleDemand())

	g, err = compile(convModel(), f)
	require.NoError(t, err)
	conv := 2 * 3 * 3 * (1 * 2 * 2)
	pool := 2 * 1 * 1 * (2*2 - 1)
	dense := 1 * 2
	require.Equal(t, conv+pool+dense, g.TripleDemand())
}

func Test_Convert_Shares_Reconstruct_Weights(t *testing.T) {
	f := field.Default()
	desc := denseModel()

	bundles, err := Convert(desc, f, field.NewSeededSource(3))
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	shares := make([]field.Tensor, 3)
	for i, b := range bundles {
		require.Equal(t, i, b.Index)
		shares[i] = b.Layers[0].W
	}
	combined, err := sharing.Combine(f, shares)
	require.NoError(t, err)

	decoded := f.DecodeTensor(combined)
	for i, w := range desc.Layers[0].Weights {
		require.InDelta(t, w, decoded[i], 0.001)
	}
}

func Test_Convert_Rejects_Missing_Weights(t *testing.T) {
	f := field.Default()
	desc := denseModel()
	desc.Layers[0].Weights = nil

	_, err := Convert(desc, f, field.NewSeededSource(3))
	require.Error(t, err)
}

func Test_Bundle_Roundtrip_And_Digest(t *testing.T) {
	f := field.Default()

	bundles, err := Convert(denseModel(), f, field.NewSeededSource(9))
	require.NoError(t, err)

	b := bundles[1]
	path := t.TempDir() + "/bundle.json"
	require.NoError(t, b.Save(path))

	loaded, err := LoadBundle(path)
	require.NoError(t, err)
	require.Equal(t, b.Digest(), loaded.Digest())

	g, err := FromBundle(loaded)
	require.NoError(t, err)
	require.Equal(t, []int{3}, g.InputShape)
	require.Equal(t, []int{2}, g.OutputShape)

	// tampering changes the digest
	loaded.Layers[0].W.Data[0]++
	require.NotEqual(t, b.Digest(), loaded.Digest())
}

func Test_FromBundle_Rejects_Bad_Shares(t *testing.T) {
	f := field.Default()

	bundles, err := Convert(denseModel(), f, field.NewSeededSource(5))
	require.NoError(t, err)

	b := bundles[0]
	b.Layers[0].W = field.NewTensor(4)
	_, err = FromBundle(b)
	require.True(t, xerrors.Is(err, field.ErrShapeMismatch))
}
