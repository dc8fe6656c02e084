// Package ndindex provides the index arithmetic shared by the grid, patch and
// quilt packages: shapes, row-major strides, conversion between linear indices
// and per-axis subscripts, and dense Cartesian coordinate grids.
//
// All arrays in this module are stored flat in row-major order, with the last
// axis changing fastest.
package ndindex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrOutOfRange        = errors.New("index out of range")
	ErrInvalidShape      = errors.New("invalid shape")
)

// Shape is an ordered list of axis lengths. Its length is the dimensionality.
type Shape []int

// Prod returns the number of elements in an array of this shape.
// The empty shape describes a scalar and has one element.
func (s Shape) Prod() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every axis length is positive.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: shape has no axes", ErrInvalidShape)
	}
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("%w: axis %d has length %d (must be > 0)", ErrInvalidShape, i, dim)
		}
	}
	return nil
}

// Equal reports whether two shapes have the same rank and axis lengths.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Strides returns the row-major element strides: stride[i] is the product of
// all axis lengths after i.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = strconv.Itoa(dim)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Broadcast expands a scalar-or-per-axis parameter to a shape of rank d.
// A single value is repeated along every axis; otherwise the length must be d.
func Broadcast(values []int, d int) (Shape, error) {
	switch len(values) {
	case 1:
		out := make(Shape, d)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case d:
		return Shape(values).Clone(), nil
	default:
		return nil, fmt.Errorf("%w: got %d values for %d axes", ErrDimensionMismatch, len(values), d)
	}
}

// ParseShape converts a separated list such as "64,64,32" into a Shape.
func ParseShape(str, separator string) (Shape, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidShape)
	}
	elems := strings.Split(str, separator)
	shape := make(Shape, len(elems))
	for i, elem := range elems {
		v, err := strconv.Atoi(strings.TrimSpace(elem))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q into a shape: %w", str, err)
		}
		shape[i] = v
	}
	return shape, nil
}

// Mod returns the component-wise remainder a mod m. Both must have equal rank.
func Mod(a []int, m Shape) []int {
	out := make([]int, len(a))
	for i := range a {
		r := a[i] % m[i]
		if r < 0 {
			r += m[i]
		}
		out[i] = r
	}
	return out
}
