package collective

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMesh(t *testing.T) {
	m := Local()
	assert.Equal(t, 0, m.Rank())
	assert.Equal(t, 1, m.WorldSize())

	data := []float32{1, 2, 3}
	require.NoError(t, m.Broadcast(data, 0))
	assert.Equal(t, []float32{1, 2, 3}, data)

	require.NoError(t, m.AllReduce(data, ReduceSum))
	assert.Equal(t, []float32{1, 2, 3}, data)
	require.NoError(t, m.AllReduce(data, ReduceAverage))
	assert.Equal(t, []float32{1, 2, 3}, data)

	require.NoError(t, m.Close())
}

func TestLocalMeshRejectsForeignRoot(t *testing.T) {
	m := Local()
	err := m.Broadcast([]float32{1}, 1)
	require.Error(t, err)
	var collErr *CollectiveError
	require.True(t, errors.As(err, &collErr))
	assert.Equal(t, "broadcast", collErr.Op)
}
