// Package xslices provides the slice and map helpers used across the trainer.
package xslices

import (
	"cmp"
	"slices"

	"golang.org/x/exp/constraints"
)

// Keys collects the keys of m in map iteration order.
func Keys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys collects the keys of m in increasing order.
//
// Collective operations iterate maps of named tensors with it: the sorted
// order is the only one every replica agrees on.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := Keys(m)
	slices.Sort(keys)
	return keys
}

// Iota builds a slice of n values counting up from start:
// Iota(3.0, 2) is []float64{3, 4}.
func Iota[T constraints.Integer | constraints.Float](start T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = start + T(i)
	}
	return out
}
