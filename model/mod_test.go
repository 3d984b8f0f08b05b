package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Model_Save_Load_Roundtrip(t *testing.T) {
	desc := Description{
		Name:       "tiny",
		InputShape: []int{2},
		Layers: []Layer{
			{Kind: LayerDense, OutDim: 2, Weights: []float64{1, 0, 0, 1}, Bias: []float64{0.5, -0.5}},
			{Kind: LayerReLU},
		},
	}

	path := t.TempDir() + "/model.json"
	require.NoError(t, desc.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, desc, loaded)
}

func Test_Model_Load_Missing_File(t *testing.T) {
	_, err := Load("does/not/exist.json")
	require.Error(t, err)
}
