// Package grid computes the geometry of a regular patch grid over an
// N-dimensional volume: how many patches fit along each axis at a given
// stride and start offset, the region those patches exactly cover, and where
// each patch is anchored.
package grid

import (
	"errors"
	"fmt"

	"volpatch/pkg/ndindex"
)

var (
	// ErrInvalidConfiguration reports parameters that cannot describe a grid,
	// such as a patch larger than the usable volume.
	ErrInvalidConfiguration = errors.New("invalid grid configuration")

	// ErrInternalInvariant reports a failed self-check of the geometry. It
	// indicates a defect in this package rather than bad input.
	ErrInternalInvariant = errors.New("grid invariant violated")
)

// Geometry describes a patch grid laid over a volume.
type Geometry struct {
	// VolumeSize is the full size of the volume being gridded
	VolumeSize ndindex.Shape

	// PatchSize is the extent of one patch
	PatchSize ndindex.Shape

	// Stride is the spacing between consecutive anchors along each axis
	Stride ndindex.Shape

	// StartOffset is the origin of the first anchor
	StartOffset ndindex.Shape

	// GridSize is the number of anchors along each axis
	GridSize ndindex.Shape

	// CoveredSize is the size of the region exactly tiled by the grid,
	// starting at StartOffset
	CoveredSize ndindex.Shape
}

// New validates the parameters and computes the grid they describe. stride
// and startOffset are either a single value applied to every axis or one value
// per axis; a nil startOffset means zero.
func New(volumeSize, patchSize ndindex.Shape, stride, startOffset []int) (*Geometry, error) {
	d := len(volumeSize)
	if err := volumeSize.Validate(); err != nil {
		return nil, fmt.Errorf("%w: volume size: %w", ErrInvalidConfiguration, err)
	}
	if len(patchSize) != d {
		return nil, fmt.Errorf("%w: patch size %v for %d-d volume", ndindex.ErrDimensionMismatch, patchSize, d)
	}
	if err := patchSize.Validate(); err != nil {
		return nil, fmt.Errorf("%w: patch size: %w", ErrInvalidConfiguration, err)
	}

	if len(stride) == 0 {
		stride = []int{1}
	}
	strideN, err := ndindex.Broadcast(stride, d)
	if err != nil {
		return nil, fmt.Errorf("stride: %w", err)
	}
	for i, s := range strideN {
		if s <= 0 {
			return nil, fmt.Errorf("%w: stride along axis %d is %d (must be > 0)", ErrInvalidConfiguration, i, s)
		}
	}

	if len(startOffset) == 0 {
		startOffset = []int{0}
	}
	offsetN, err := ndindex.Broadcast(startOffset, d)
	if err != nil {
		return nil, fmt.Errorf("start offset: %w", err)
	}
	for i, o := range offsetN {
		if o < 0 {
			return nil, fmt.Errorf("%w: start offset along axis %d is %d (must be >= 0)", ErrInvalidConfiguration, i, o)
		}
	}

	g := &Geometry{
		VolumeSize:  volumeSize.Clone(),
		PatchSize:   patchSize.Clone(),
		Stride:      strideN,
		StartOffset: offsetN,
		GridSize:    make(ndindex.Shape, d),
		CoveredSize: make(ndindex.Shape, d),
	}
	for i := 0; i < d; i++ {
		overlap := g.PatchSize[i] - g.Stride[i]
		usable := g.VolumeSize[i] - g.StartOffset[i] - overlap
		if usable < 0 {
			return nil, fmt.Errorf("%w: patch of %d at stride %d does not fit in %d voxels after offset %d along axis %d",
				ErrInvalidConfiguration, g.PatchSize[i], g.Stride[i], g.VolumeSize[i], g.StartOffset[i], i)
		}
		g.GridSize[i] = usable / g.Stride[i]
		g.CoveredSize[i] = g.GridSize[i]*g.Stride[i] + overlap
	}
	return g, nil
}

// ComputeGridSize returns the number of patches along each axis and the
// volume size those patches exactly cover.
func ComputeGridSize(volumeSize, patchSize ndindex.Shape, stride, startOffset []int) (gridSize, coveredSize ndindex.Shape, err error) {
	g, err := New(volumeSize, patchSize, stride, startOffset)
	if err != nil {
		return nil, nil, err
	}
	return g.GridSize, g.CoveredSize, nil
}

// Grid2VolSize returns the volume size exactly covered by gridSize patches of
// patchSize placed stride apart.
func Grid2VolSize(gridSize, patchSize ndindex.Shape, stride []int) (ndindex.Shape, error) {
	d := len(gridSize)
	if len(patchSize) != d {
		return nil, fmt.Errorf("%w: grid size %v and patch size %v", ndindex.ErrDimensionMismatch, gridSize, patchSize)
	}
	if len(stride) == 0 {
		stride = []int{1}
	}
	strideN, err := ndindex.Broadcast(stride, d)
	if err != nil {
		return nil, fmt.Errorf("stride: %w", err)
	}
	out := make(ndindex.Shape, d)
	for i := range out {
		out[i] = gridSize[i]*strideN[i] + patchSize[i] - strideN[i]
	}
	return out, nil
}

// NumPatches returns the number of anchors in the grid.
func (g *Geometry) NumPatches() int {
	return g.GridSize.Prod()
}

// AxisCoordinates returns, for each axis, the anchor coordinates
// StartOffset, StartOffset+Stride, ... that fit inside the covered region.
func (g *Geometry) AxisCoordinates() [][]int {
	coords := make([][]int, len(g.VolumeSize))
	for d := range coords {
		end := g.CoveredSize[d] + g.StartOffset[d] - g.PatchSize[d] + 1
		for c := g.StartOffset[d]; c < end; c += g.Stride[d] {
			coords[d] = append(coords[d], c)
		}
	}
	return coords
}

// AnchorSubscripts returns the N x D table of anchor subscripts in row-major
// grid order.
func (g *Geometry) AnchorSubscripts() ([][]int, error) {
	coords := g.AxisCoordinates()
	if err := g.checkCoverage(coords); err != nil {
		return nil, err
	}

	dense := ndindex.NDGrid(coords...)
	n := 0
	if len(dense) > 0 {
		n = len(dense[0])
	}
	if n != g.NumPatches() {
		return nil, fmt.Errorf("%w: %d anchors for grid %v", ErrInternalInvariant, n, g.GridSize)
	}

	subs := make([][]int, n)
	for i := range subs {
		sub := make([]int, len(dense))
		for d := range dense {
			sub[d] = dense[d][i]
		}
		subs[i] = sub
	}
	return subs, nil
}

// AnchorIndices returns the anchors as linear indices into a volume of
// VolumeSize.
func (g *Geometry) AnchorIndices() ([]int, error) {
	subs, err := g.AnchorSubscripts()
	if err != nil {
		return nil, err
	}
	idx, err := ndindex.RavelAll(subs, g.VolumeSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternalInvariant, err)
	}
	return idx, nil
}

// checkCoverage verifies that the last anchor along each axis ends exactly at
// the last covered voxel.
func (g *Geometry) checkCoverage(coords [][]int) error {
	for d, c := range coords {
		if len(c) != g.GridSize[d] {
			return fmt.Errorf("%w: axis %d has %d anchors, grid size is %d", ErrInternalInvariant, d, len(c), g.GridSize[d])
		}
		if len(c) == 0 {
			continue
		}
		last := c[len(c)-1] + g.PatchSize[d] - 1
		if want := g.CoveredSize[d] + g.StartOffset[d] - 1; last != want {
			return fmt.Errorf("%w: axis %d coverage ends at %d, expected %d", ErrInternalInvariant, d, last, want)
		}
	}
	return nil
}

// AnchorSet holds anchor positions either as linear indices or as subscripts.
type AnchorSet struct {
	Indices    []int
	Subscripts [][]int
}

// Len returns the number of anchors in the set.
func (a AnchorSet) Len() int {
	if a.Subscripts != nil {
		return len(a.Subscripts)
	}
	return len(a.Indices)
}

// AnchorPositions computes the grid for the given parameters and returns its
// anchors as linear indices into volumeSize (asIndex) or as subscripts.
func AnchorPositions(volumeSize, patchSize ndindex.Shape, stride, startOffset []int, asIndex bool) (AnchorSet, error) {
	g, err := New(volumeSize, patchSize, stride, startOffset)
	if err != nil {
		return AnchorSet{}, err
	}
	if asIndex {
		idx, err := g.AnchorIndices()
		return AnchorSet{Indices: idx}, err
	}
	subs, err := g.AnchorSubscripts()
	return AnchorSet{Subscripts: subs}, err
}
