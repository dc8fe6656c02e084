package quilt

import (
	"fmt"

	"volpatch/pkg/grid"
	"volpatch/pkg/ndindex"
)

// Layout fixes where a collection of patches goes in the reconstructed volume.
type Layout struct {
	// PatchSize is the extent of one patch
	PatchSize ndindex.Shape

	// Stride is the anchor spacing per axis
	Stride ndindex.Shape

	// GridSize is the number of patches along each axis
	GridSize ndindex.Shape

	// TargetSize is the size of the reconstructed volume
	TargetSize ndindex.Shape
}

// LayoutForGrid lays out a full grid of gridSize patches. The target volume is
// the region that grid exactly covers.
func LayoutForGrid(patchSize, gridSize ndindex.Shape, stride []int) (*Layout, error) {
	target, err := grid.Grid2VolSize(gridSize, patchSize, stride)
	if err != nil {
		return nil, err
	}
	l, err := LayoutForTarget(patchSize, target, stride)
	if err != nil {
		return nil, err
	}
	if !l.GridSize.Equal(gridSize) {
		return nil, fmt.Errorf("%w: grid %v recomputed as %v for target %v",
			ErrGridMismatch, gridSize, l.GridSize, target)
	}
	return l, nil
}

// LayoutForTarget lays out the grid of patchSize patches at stride that fits
// in a volume of targetSize.
func LayoutForTarget(patchSize, targetSize ndindex.Shape, stride []int) (*Layout, error) {
	g, err := grid.New(targetSize, patchSize, stride, nil)
	if err != nil {
		return nil, err
	}
	return &Layout{
		PatchSize:  g.PatchSize,
		Stride:     g.Stride,
		GridSize:   g.GridSize,
		TargetSize: g.VolumeSize,
	}, nil
}

// ResolveLayout interprets gridOrTarget the way Stack does: when its product
// equals numPatches it is the grid size, otherwise it is the size of the
// target volume. Prefer LayoutForGrid or LayoutForTarget when the meaning is
// known.
func ResolveLayout(numPatches int, patchSize, gridOrTarget ndindex.Shape, stride []int) (*Layout, error) {
	if gridOrTarget.Prod() == numPatches {
		return LayoutForGrid(patchSize, gridOrTarget, stride)
	}
	return LayoutForTarget(patchSize, gridOrTarget, stride)
}

// NumPatches returns the number of patches the layout places.
func (l *Layout) NumPatches() int {
	return l.GridSize.Prod()
}

func (l *Layout) geometry() (*grid.Geometry, error) {
	return grid.New(l.TargetSize, l.PatchSize, l.Stride, nil)
}
