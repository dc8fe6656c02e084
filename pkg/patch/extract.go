// Package patch extracts regularly strided sub-blocks ("patches") from an
// N-dimensional volume, either lazily one at a time or eagerly as a table with
// one flattened patch per row.
package patch

import (
	"errors"
	"fmt"
	"iter"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
	"volpatch/pkg/ndindex"
)

var (
	// ErrSizeMismatch reports a patch that does not fit inside the volume.
	ErrSizeMismatch = errors.New("patch size exceeds volume size")

	// ErrEmptyGrid reports a grid without any anchors where a table was requested.
	ErrEmptyGrid = errors.New("grid contains no patches")
)

// Patch is one extracted block together with its placement.
type Patch struct {
	// Data holds prod(PatchSize)*Channels values in row-major order with the
	// channel changing fastest. It is owned by the caller.
	Data []float64

	// Anchor is the lowest-coordinate corner of the patch in the volume
	Anchor []int

	// Index is the position of the patch in row-major grid order
	Index int
}

// Extractor produces the patches of a volume on a regular grid.
type Extractor struct {
	volume  *models.Volume
	geom    *grid.Geometry
	workers int
}

// NewExtractor prepares extraction of patchSize blocks from vol, anchored
// every stride voxels starting at the origin.
func NewExtractor(vol *models.Volume, patchSize ndindex.Shape, stride []int) (*Extractor, error) {
	if vol == nil {
		return nil, fmt.Errorf("volume is nil")
	}
	if len(patchSize) != vol.NumDims() {
		return nil, fmt.Errorf("%w: patch size %v for volume %v", ndindex.ErrDimensionMismatch, patchSize, vol.Shape)
	}
	for d := range patchSize {
		if vol.Shape[d]-patchSize[d]+1 < 0 {
			return nil, fmt.Errorf("%w: patch %v, volume %v", ErrSizeMismatch, patchSize, vol.Shape)
		}
	}

	geom, err := grid.New(vol.Shape, patchSize, stride, nil)
	if err != nil {
		return nil, err
	}
	return &Extractor{
		volume:  vol,
		geom:    geom,
		workers: runtime.NumCPU(),
	}, nil
}

// SetWorkers bounds the number of goroutines Table uses. Values below one
// select a single worker.
func (e *Extractor) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	e.workers = n
}

// Geometry returns the grid the extractor walks.
func (e *Extractor) Geometry() *grid.Geometry {
	return e.geom
}

// NumPatches returns the number of patches the extractor yields.
func (e *Extractor) NumPatches() int {
	return e.geom.NumPatches()
}

// RowLen returns the number of values in one flattened patch.
func (e *Extractor) RowLen() int {
	return e.geom.PatchSize.Prod() * e.volume.Channels
}

// Patches returns a lazy sequence over all patches in row-major anchor order
// (last axis fastest). Each call starts a fresh pass; every yielded patch owns
// its data.
func (e *Extractor) Patches() iter.Seq[Patch] {
	return func(yield func(Patch) bool) {
		if e.geom.NumPatches() == 0 {
			return
		}
		i := 0
		for gsub := range ndindex.Iter(e.geom.GridSize) {
			p := Patch{
				Data:   make([]float64, e.RowLen()),
				Anchor: e.anchor(gsub),
				Index:  i,
			}
			e.volume.CopyRegion(p.Data, p.Anchor, e.geom.PatchSize)
			if !yield(p) {
				return
			}
			i++
		}
	}
}

// Table materializes every patch as one row of an N x prod(PatchSize)*Channels
// matrix and returns the anchor subscripts of the rows. Rows are filled in
// parallel.
func (e *Extractor) Table() (*mat.Dense, [][]int, error) {
	anchors, err := e.geom.AnchorSubscripts()
	if err != nil {
		return nil, nil, err
	}
	if len(anchors) == 0 {
		return nil, nil, ErrEmptyGrid
	}

	rowLen := e.RowLen()
	data := make([]float64, len(anchors)*rowLen)

	var g errgroup.Group
	g.SetLimit(e.workers)
	chunk := (len(anchors) + e.workers - 1) / e.workers
	for start := 0; start < len(anchors); start += chunk {
		end := min(start+chunk, len(anchors))
		g.Go(func() error {
			for i := start; i < end; i++ {
				e.volume.CopyRegion(data[i*rowLen:(i+1)*rowLen], anchors[i], e.geom.PatchSize)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return mat.NewDense(len(anchors), rowLen, data), anchors, nil
}

func (e *Extractor) anchor(gsub []int) []int {
	a := make([]int, len(gsub))
	for d, g := range gsub {
		a[d] = e.geom.StartOffset[d] + g*e.geom.Stride[d]
	}
	return a
}

// Extract is shorthand for NewExtractor followed by Patches.
func Extract(vol *models.Volume, patchSize ndindex.Shape, stride []int) (iter.Seq[Patch], error) {
	e, err := NewExtractor(vol, patchSize, stride)
	if err != nil {
		return nil, err
	}
	return e.Patches(), nil
}

// GridSize returns the number of patches along each axis when extracting
// patchSize blocks from a volume of volumeSize at the given stride.
func GridSize(volumeSize, patchSize ndindex.Shape, stride []int) (ndindex.Shape, error) {
	if len(patchSize) != len(volumeSize) {
		return nil, fmt.Errorf("%w: patch size %v for volume %v", ndindex.ErrDimensionMismatch, patchSize, volumeSize)
	}
	for d := range patchSize {
		if volumeSize[d]-patchSize[d]+1 < 0 {
			return nil, fmt.Errorf("%w: patch %v, volume %v", ErrSizeMismatch, patchSize, volumeSize)
		}
	}
	gs, _, err := grid.ComputeGridSize(volumeSize, patchSize, stride, nil)
	return gs, err
}
