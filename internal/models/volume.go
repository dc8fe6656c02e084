package models

import (
	"fmt"
	"math"

	"volpatch/pkg/ndindex"
)

// Volume represents an N-dimensional array of samples with an optional
// trailing channel axis.
type Volume struct {
	// Data holds Shape.Prod()*Channels values in row-major order, with the
	// channel index changing fastest
	Data []float64

	// Shape is the spatial size of the volume, one entry per axis
	Shape ndindex.Shape

	// Channels is the length of the trailing channel axis (K). Scalar volumes use 1.
	Channels int
}

// NewVolume allocates a zero-filled volume of the given spatial shape.
func NewVolume(shape ndindex.Shape, channels int) (*Volume, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	return &Volume{
		Data:     make([]float64, shape.Prod()*channels),
		Shape:    shape.Clone(),
		Channels: channels,
	}, nil
}

// FromData wraps existing row-major data as a volume. The slice is not copied.
func FromData(data []float64, shape ndindex.Shape, channels int) (*Volume, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	if len(data) != shape.Prod()*channels {
		return nil, fmt.Errorf("data length %d does not match shape %v with %d channels", len(data), shape, channels)
	}
	return &Volume{Data: data, Shape: shape.Clone(), Channels: channels}, nil
}

// NumDims returns the spatial dimensionality of the volume.
func (v *Volume) NumDims() int {
	return len(v.Shape)
}

// Offset returns the position in Data of channel 0 at the given subscript.
func (v *Volume) Offset(sub []int) (int, error) {
	idx, err := ndindex.Ravel(sub, v.Shape)
	if err != nil {
		return 0, err
	}
	return idx * v.Channels, nil
}

// At returns the value at the given spatial subscript and channel.
func (v *Volume) At(sub []int, channel int) (float64, error) {
	off, err := v.Offset(sub)
	if err != nil {
		return 0, err
	}
	if channel < 0 || channel >= v.Channels {
		return 0, fmt.Errorf("channel %d outside [0,%d)", channel, v.Channels)
	}
	return v.Data[off+channel], nil
}

// Set stores a value at the given spatial subscript and channel.
func (v *Volume) Set(sub []int, channel int, value float64) error {
	off, err := v.Offset(sub)
	if err != nil {
		return err
	}
	if channel < 0 || channel >= v.Channels {
		return fmt.Errorf("channel %d outside [0,%d)", channel, v.Channels)
	}
	v.Data[off+channel] = value
	return nil
}

// Crop returns a copy of the box starting at start with the given size.
func (v *Volume) Crop(start []int, size ndindex.Shape) (*Volume, error) {
	if len(start) != len(v.Shape) || len(size) != len(v.Shape) {
		return nil, fmt.Errorf("%w: crop of %d-d volume with start %v and size %v",
			ndindex.ErrDimensionMismatch, len(v.Shape), start, size)
	}
	for d := range v.Shape {
		if start[d] < 0 || size[d] <= 0 || start[d]+size[d] > v.Shape[d] {
			return nil, fmt.Errorf("%w: region start %v size %v extends beyond volume %v",
				ndindex.ErrOutOfRange, start, size, v.Shape)
		}
	}

	out, err := NewVolume(size, v.Channels)
	if err != nil {
		return nil, err
	}
	v.CopyRegion(out.Data, start, size)
	return out, nil
}

// CopyRegion copies the box at start with the given size into dst, which must
// hold size.Prod()*Channels values. Bounds are the caller's responsibility.
func (v *Volume) CopyRegion(dst []float64, start []int, size ndindex.Shape) {
	d := len(size)
	if d == 0 {
		return
	}
	// Runs along the last axis are contiguous in both arrays.
	run := size[d-1] * v.Channels
	strides := v.Shape.Strides()
	dstOff := 0
	for outer := range ndindex.Iter(size[:d-1]) {
		srcIdx := start[d-1]
		for a, s := range outer {
			srcIdx += (start[a] + s) * strides[a]
		}
		srcOff := srcIdx * v.Channels
		copy(dst[dstOff:dstOff+run], v.Data[srcOff:srcOff+run])
		dstOff += run
	}
}

// PasteRegion writes src, a row-major block of the given size, into the
// volume-shaped buffer dst at start. It is the inverse of CopyRegion. The
// optional mask is marked true for every written cell holding a number; NaN
// values are written but left absent.
func PasteRegion(dst []float64, mask []bool, shape ndindex.Shape, channels int, src []float64, start []int, size ndindex.Shape) {
	d := len(size)
	if d == 0 {
		return
	}
	run := size[d-1] * channels
	strides := shape.Strides()
	srcOff := 0
	for outer := range ndindex.Iter(size[:d-1]) {
		dstIdx := start[d-1]
		for a, s := range outer {
			dstIdx += (start[a] + s) * strides[a]
		}
		dstOff := dstIdx * channels
		copy(dst[dstOff:dstOff+run], src[srcOff:srcOff+run])
		if mask != nil {
			for i := 0; i < run; i++ {
				if !math.IsNaN(src[srcOff+i]) {
					mask[dstOff+i] = true
				}
			}
		}
		srcOff += run
	}
}

// RegionPresent reports whether any value of the box at start with the given
// size is already marked in mask, a presence mask laid out like a volume of
// shape with the given number of channels.
func RegionPresent(mask []bool, shape ndindex.Shape, channels int, start []int, size ndindex.Shape) bool {
	d := len(size)
	if d == 0 {
		return false
	}
	run := size[d-1] * channels
	strides := shape.Strides()
	for outer := range ndindex.Iter(size[:d-1]) {
		idx := start[d-1]
		for a, s := range outer {
			idx += (start[a] + s) * strides[a]
		}
		off := idx * channels
		for i := off; i < off+run; i++ {
			if mask[i] {
				return true
			}
		}
	}
	return false
}
