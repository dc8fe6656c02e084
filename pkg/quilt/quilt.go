package quilt

import (
	"fmt"
	"iter"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"volpatch/internal/models"
	"volpatch/pkg/ndindex"
	"volpatch/pkg/patch"
)

// Reconstruction is a volume assembled from patches.
type Reconstruction struct {
	// Volume holds the reduced values. Entries no layer covered are NaN.
	Volume *models.Volume

	// Present marks the entries of Volume.Data that received a value
	Present []bool

	// Coverage counts the layers that contributed to each entry
	Coverage []int
}

// NumPresent returns the number of entries that received a value.
func (r *Reconstruction) NumPresent() int {
	n := 0
	for _, ok := range r.Present {
		if ok {
			n++
		}
	}
	return n
}

// Reduce combines the layers cell by cell with r, ignoring absent entries. An
// entry no layer covered stays absent.
func (s *LayerStack) Reduce(r Reducer, workers int) (*Reconstruction, error) {
	if r == nil {
		r = Mean
	}
	if workers <= 0 {
		workers = 1
	}
	vol, err := models.NewVolume(s.Layout.TargetSize, s.Channels)
	if err != nil {
		return nil, err
	}
	out := &Reconstruction{
		Volume:   vol,
		Present:  make([]bool, len(vol.Data)),
		Coverage: make([]int, len(vol.Data)),
	}

	n := len(vol.Data)
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			values := make([]float64, 0, len(s.Layers))
			for j := start; j < end; j++ {
				values = values[:0]
				for _, l := range s.Layers {
					if l.Present[j] {
						values = append(values, l.Values[j])
					}
				}
				out.Coverage[j] = len(values)
				if len(values) == 0 {
					vol.Data[j] = math.NaN()
					continue
				}
				vol.Data[j] = r(values)
				out.Present[j] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Quilt reconstructs a volume from patches: it stacks them into layers and
// reduces across layers with opts.Reduce (the mean by default). Arguments are
// interpreted as for Stack.
func Quilt(patches mat.Matrix, patchSize, gridSize ndindex.Shape, stride []int, opts *Options) (*Reconstruction, error) {
	stack, err := Stack(patches, patchSize, gridSize, stride, opts)
	if err != nil {
		return nil, err
	}
	return stack.Reduce(opts.reducer(), opts.workers())
}

// QuiltLayout reconstructs a volume from patches placed according to layout.
func QuiltLayout(patches mat.Matrix, layout *Layout, opts *Options) (*Reconstruction, error) {
	stack, err := StackLayout(patches, layout, opts)
	if err != nil {
		return nil, err
	}
	return stack.Reduce(opts.reducer(), opts.workers())
}

// Collect consumes a patch sequence in full and returns its patches as table
// rows, ordered by Patch.Index.
func Collect(seq iter.Seq[patch.Patch]) (*mat.Dense, error) {
	var (
		rows   [][]float64
		rowLen = -1
	)
	for p := range seq {
		if rowLen < 0 {
			rowLen = len(p.Data)
		}
		if len(p.Data) != rowLen {
			return nil, fmt.Errorf("%w: patch %d has %d values, expected %d",
				ndindex.ErrDimensionMismatch, p.Index, len(p.Data), rowLen)
		}
		for len(rows) <= p.Index {
			rows = append(rows, nil)
		}
		rows[p.Index] = p.Data
	}
	if len(rows) == 0 || rowLen == 0 {
		return nil, patch.ErrEmptyGrid
	}

	data := make([]float64, 0, len(rows)*rowLen)
	for i, r := range rows {
		if r == nil {
			return nil, fmt.Errorf("%w: patch %d missing from sequence", ErrGridMismatch, i)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), rowLen, data), nil
}
