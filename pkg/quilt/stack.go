// Package quilt reconstructs a volume from a flat collection of possibly
// overlapping patches.
//
// Patches are first separated into layers: two patches share a layer when
// their anchor subscripts agree modulo the patch size. Anchors in the same
// layer are spaced by whole multiples of the patch extent, so their patches
// never overlap and each layer can be written into its own full-size buffer.
// The buffers are then reduced cell by cell (by default with the mean) while
// ignoring cells a layer did not cover.
package quilt

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
	"volpatch/pkg/ndindex"
)

var (
	// ErrGridMismatch reports a patch count that does not match the grid or
	// target size it is supposed to fill.
	ErrGridMismatch = errors.New("patch count does not match grid")

	// ErrLayerCollision reports two patches of the same layer overlapping.
	// It is only returned when Options.CheckCollisions is set.
	ErrLayerCollision = errors.New("patches within a layer overlap")
)

// ProgressCallback reports progress of a long-running stage
type ProgressCallback func(completed, total int, message string)

// Options tunes stacking and reduction. The zero value is usable.
type Options struct {
	// Workers bounds the goroutines used to fill layers and reduce cells.
	// Zero means runtime.NumCPU().
	Workers int

	// Reduce combines the present values of one cell. Nil means Mean.
	Reduce Reducer

	// CheckCollisions makes Stack fail with ErrLayerCollision instead of
	// overwriting when two patches of one layer touch the same cell.
	CheckCollisions bool

	// Progress, if set, is called after each layer is filled.
	Progress ProgressCallback
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *Options) reducer() Reducer {
	if o == nil || o.Reduce == nil {
		return Mean
	}
	return o.Reduce
}

// Layer is one full-size buffer holding a set of mutually disjoint patches.
type Layer struct {
	// Residue is the anchor subscript modulo the patch size shared by every
	// patch in the layer
	Residue []int

	// Values has TargetSize.Prod()*Channels entries; only those marked in
	// Present carry data
	Values []float64

	// Present marks the entries written by a patch
	Present []bool

	// rows are the patch rows assigned to the layer, in input order
	rows []int
}

// NumPatches returns the number of patches written into the layer.
func (l *Layer) NumPatches() int {
	return len(l.rows)
}

// LayerStack is the result of Stack: one buffer per layer, in the order each
// residue was first seen among the anchors.
type LayerStack struct {
	Layout   *Layout
	Channels int
	Layers   []*Layer
}

// NumLayers returns the number of layers.
func (s *LayerStack) NumLayers() int {
	return len(s.Layers)
}

// CellLen returns the number of values in one layer buffer.
func (s *LayerStack) CellLen() int {
	return s.Layout.TargetSize.Prod() * s.Channels
}

// Dense returns the stack as a flat NumLayers x TargetSize x Channels array
// with NaN in every absent entry.
func (s *LayerStack) Dense() []float64 {
	n := s.CellLen()
	out := make([]float64, len(s.Layers)*n)
	for i, l := range s.Layers {
		dst := out[i*n : (i+1)*n]
		for j, ok := range l.Present {
			if ok {
				dst[j] = l.Values[j]
			} else {
				dst[j] = math.NaN()
			}
		}
	}
	return out
}

// Bytes returns the memory held by the layer buffers and their masks.
func (s *LayerStack) Bytes() uint64 {
	per := uint64(s.CellLen()) * (8 + 1)
	return per * uint64(len(s.Layers))
}

// Stack separates patches into non-overlapping layers. patches has one
// flattened patch per row (prod(patchSize)*K columns for K channels).
// gridSize is interpreted as described for ResolveLayout.
func Stack(patches mat.Matrix, patchSize, gridSize ndindex.Shape, stride []int, opts *Options) (*LayerStack, error) {
	if err := checkOdd(patchSize); err != nil {
		return nil, err
	}
	n, _ := patches.Dims()
	layout, err := ResolveLayout(n, patchSize, gridSize, stride)
	if err != nil {
		return nil, err
	}
	return StackLayout(patches, layout, opts)
}

// StackLayout separates patches into layers placed according to layout.
func StackLayout(patches mat.Matrix, layout *Layout, opts *Options) (*LayerStack, error) {
	if err := checkOdd(layout.PatchSize); err != nil {
		return nil, err
	}
	n, cols := patches.Dims()
	patchLen := layout.PatchSize.Prod()
	if cols%patchLen != 0 {
		return nil, fmt.Errorf("%w: rows of %d values cannot hold patches of %v",
			ndindex.ErrDimensionMismatch, cols, layout.PatchSize)
	}
	channels := cols / patchLen

	geom, err := layout.geometry()
	if err != nil {
		return nil, err
	}
	if !geom.GridSize.Equal(layout.GridSize) {
		return nil, fmt.Errorf("%w: grid %v recomputed as %v for target %v",
			ErrGridMismatch, layout.GridSize, geom.GridSize, layout.TargetSize)
	}
	if geom.NumPatches() != n {
		return nil, fmt.Errorf("%w: %d patches for grid %v (%d anchors)",
			ErrGridMismatch, n, geom.GridSize, geom.NumPatches())
	}

	anchorIdx, err := geom.AnchorIndices()
	if err != nil {
		return nil, err
	}
	anchors, err := ndindex.UnravelAll(anchorIdx, layout.TargetSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", grid.ErrInternalInvariant, err)
	}

	stack := &LayerStack{Layout: layout, Channels: channels}
	byResidue := make(map[int]*Layer)
	for row, sub := range anchors {
		residue := ndindex.Mod(sub, layout.PatchSize)
		key, err := ndindex.Ravel(residue, layout.PatchSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", grid.ErrInternalInvariant, err)
		}
		l, ok := byResidue[key]
		if !ok {
			l = &Layer{Residue: residue}
			byResidue[key] = l
			stack.Layers = append(stack.Layers, l)
		}
		l.rows = append(l.rows, row)
	}

	var (
		g          errgroup.Group
		progressMu sync.Mutex
		completed  int
	)
	g.SetLimit(opts.workers())
	size := stack.CellLen()
	for _, l := range stack.Layers {
		g.Go(func() error {
			if err := fillLayer(l, patches, anchors, layout, channels, size, opts != nil && opts.CheckCollisions); err != nil {
				return err
			}
			if opts != nil && opts.Progress != nil {
				progressMu.Lock()
				completed++
				opts.Progress(completed, len(stack.Layers), "stacking layers")
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stack, nil
}

// fillLayer allocates the layer buffer and writes its patches at their anchors.
func fillLayer(l *Layer, patches mat.Matrix, anchors [][]int, layout *Layout, channels, size int, checkCollisions bool) error {
	l.Values = make([]float64, size)
	l.Present = make([]bool, size)

	raw, isRaw := patches.(mat.RawRowViewer)
	var buf []float64
	for _, row := range l.rows {
		var src []float64
		if isRaw {
			src = raw.RawRowView(row)
		} else {
			buf = mat.Row(buf, row, patches)
			src = buf
		}
		if checkCollisions && models.RegionPresent(l.Present, layout.TargetSize, channels, anchors[row], layout.PatchSize) {
			return fmt.Errorf("%w: patch %d at %v in layer %v", ErrLayerCollision, row, anchors[row], l.Residue)
		}
		models.PasteRegion(l.Values, l.Present, layout.TargetSize, channels, src, anchors[row], layout.PatchSize)
	}
	return nil
}

// checkOdd rejects patch sizes that are even along any axis.
func checkOdd(patchSize ndindex.Shape) error {
	for d, p := range patchSize {
		if p%2 == 0 {
			return fmt.Errorf("%w: patch size %v is even along axis %d (must be odd)",
				grid.ErrInvalidConfiguration, patchSize, d)
		}
	}
	return nil
}
