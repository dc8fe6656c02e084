package ndindex

import (
	"fmt"
	"iter"
)

// Ravel converts per-axis subscripts into a linear row-major index into an
// array of the given shape.
func Ravel(sub []int, shape Shape) (int, error) {
	if len(sub) != len(shape) {
		return 0, fmt.Errorf("%w: subscript has %d axes, shape has %d", ErrDimensionMismatch, len(sub), len(shape))
	}
	idx := 0
	for d, s := range sub {
		if s < 0 || s >= shape[d] {
			return 0, fmt.Errorf("%w: subscript %v outside shape %v", ErrOutOfRange, sub, shape)
		}
		idx = idx*shape[d] + s
	}
	return idx, nil
}

// Unravel converts a linear row-major index into per-axis subscripts for an
// array of the given shape.
func Unravel(idx int, shape Shape) ([]int, error) {
	if idx < 0 || idx >= shape.Prod() {
		return nil, fmt.Errorf("%w: index %d outside shape %v", ErrOutOfRange, idx, shape)
	}
	sub := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		sub[d] = idx % shape[d]
		idx /= shape[d]
	}
	return sub, nil
}

// RavelAll converts an N x D subscript table into N linear indices.
func RavelAll(subs [][]int, shape Shape) ([]int, error) {
	out := make([]int, len(subs))
	for i, sub := range subs {
		idx, err := Ravel(sub, shape)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// UnravelAll converts N linear indices into an N x D subscript table.
func UnravelAll(indices []int, shape Shape) ([][]int, error) {
	out := make([][]int, len(indices))
	for i, idx := range indices {
		sub, err := Unravel(idx, shape)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

// NDGrid returns the dense Cartesian product of the given per-axis coordinate
// lists. The result holds one flattened coordinate array per axis, each of
// length prod(len(coords[d])), ordered with the last axis fastest (matrix "ij"
// indexing). If any list is empty the arrays are empty.
func NDGrid(coords ...[]int) [][]int {
	dims := make(Shape, len(coords))
	for d, c := range coords {
		dims[d] = len(c)
	}
	n := dims.Prod()
	if len(coords) == 0 {
		n = 0
	}

	out := make([][]int, len(coords))
	for d := range out {
		out[d] = make([]int, n)
	}
	if n == 0 {
		return out
	}

	strides := dims.Strides()
	for d, c := range coords {
		col := out[d]
		for i := 0; i < n; i++ {
			col[i] = c[(i/strides[d])%dims[d]]
		}
	}
	return out
}

// VolSizeGrid returns the dense grid of every subscript in an array of the
// given shape.
func VolSizeGrid(shape Shape) [][]int {
	ranges := make([][]int, len(shape))
	for d, n := range shape {
		ranges[d] = make([]int, n)
		for i := range ranges[d] {
			ranges[d][i] = i
		}
	}
	return NDGrid(ranges...)
}

// Iter yields every subscript of the shape in row-major order. The yielded
// slice is reused between iterations and must not be retained or modified.
func Iter(shape Shape) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		for _, dim := range shape {
			if dim <= 0 {
				return
			}
		}
		sub := make([]int, len(shape))
	next:
		for {
			if !yield(sub) {
				return
			}
			for axis := len(shape) - 1; axis >= 0; axis-- {
				sub[axis]++
				if sub[axis] < shape[axis] {
					continue next
				}
				sub[axis] = 0
			}
			return
		}
	}
}
