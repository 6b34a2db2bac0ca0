package shapes

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	scalar := Scalar()
	require.True(t, scalar.IsScalar())
	require.Equal(t, 0, scalar.Rank())
	require.Empty(t, scalar.Dimensions)
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, 4, int(scalar.Memory()))

	batch := Make(4, 3, 2)
	require.False(t, batch.IsScalar())
	require.Equal(t, 3, batch.Rank())
	require.Equal(t, []int{4, 3, 2}, batch.Dimensions)
	require.Equal(t, 24, batch.Size())
	require.Equal(t, 96, int(batch.Memory()))
	require.Equal(t, "[4 3 2]", batch.String())

	require.Equal(t, 4, batch.Dim(0))
	require.Equal(t, 2, batch.Dim(-1))
	require.Panics(t, func() { batch.Dim(3) })
	require.Panics(t, func() { Make(2, 0) })

	require.True(t, batch.Equal(Make(4, 3, 2)))
	require.False(t, batch.Equal(Make(4, 3)))
	require.False(t, batch.Equal(Make(4, 3, 1)))

	clone := batch.Clone()
	clone.Dimensions[0] = 7
	require.Equal(t, 4, batch.Dim(0), "Clone must not alias the dimensions")
}

func TestGobSerialize(t *testing.T) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	shape := Make(224, 224, 3)
	require.NoError(t, shape.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	got, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, shape.Equal(got))
}
