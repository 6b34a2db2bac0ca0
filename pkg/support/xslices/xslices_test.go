package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"weights": 1, "biases": 2, "scale": 3}
	assert.Equal(t, []string{"biases", "scale", "weights"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[string]int{}))

	keys := Keys(m)
	assert.Len(t, keys, 3)
	assert.ElementsMatch(t, []string{"weights", "biases", "scale"}, keys)
}

func TestIota(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3}, Iota(0, 4))
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Empty(t, Iota(0, 0))
}
