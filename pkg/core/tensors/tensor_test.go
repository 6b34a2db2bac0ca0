package tensors

import (
	"path/filepath"
	"testing"

	"github.com/lockstepml/lockstep/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(3, 2))
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, 2, tensor.Rank())
	tensor.ConstFlatData(func(flat []float32) {
		require.Len(t, flat, 6)
		for _, v := range flat {
			assert.Zero(t, v)
		}
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	require.Equal(t, []int{3, 1}, tensor.LayoutStrides())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensor.CopyFlatData())
	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })
}

func TestScalar(t *testing.T) {
	s := FromScalar(3.5)
	require.True(t, s.IsScalar())
	require.Equal(t, float32(3.5), s.ToScalar())
	require.Panics(t, func() { FromShape(shapes.Make(2)).ToScalar() })
}

func TestCloneAndMutate(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := a.Clone()
	b.MutableFlatData(func(flat []float32) { flat[0] = 100 })
	assert.Equal(t, []float32{1, 2, 3}, a.CopyFlatData())
	assert.Equal(t, []float32{100, 2, 3}, b.CopyFlatData())
	assert.False(t, a.Equal(b))

	b.AssignFlatData([]float32{1, 2, 3})
	assert.True(t, a.Equal(b))
	assert.Panics(t, func() { b.AssignFlatData([]float32{1}) })
}

func TestInDelta(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := FromFlatDataAndDimensions([]float32{1.0005, 1.9995}, 2)
	assert.True(t, a.InDelta(b, 1e-3))
	assert.False(t, a.InDelta(b, 1e-6))
	assert.False(t, a.InDelta(FromFlatDataAndDimensions([]float32{1, 2, 0}, 3), 1))
}

func TestSaveLoad(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{0.5, -1.5, 2.25, 0, 42, -0.125}, 3, 2)
	filePath := filepath.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, tensor.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	require.True(t, tensor.Equal(loaded))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
