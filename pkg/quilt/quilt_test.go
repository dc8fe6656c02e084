package quilt

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
	"volpatch/pkg/ndindex"
	"volpatch/pkg/patch"
)

// createTestVolume fills a volume with integer values so that averaging
// identical contributions is exact
func createTestVolume(t *testing.T, shape ndindex.Shape, channels int) *models.Volume {
	v, err := models.NewVolume(shape, channels)
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = float64((i*7)%23 + 1)
	}
	return v
}

// extractTable returns the patch table of vol and the grid it was taken on
func extractTable(t *testing.T, vol *models.Volume, patchSize ndindex.Shape, stride []int) (*mat.Dense, *grid.Geometry) {
	e, err := patch.NewExtractor(vol, patchSize, stride)
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	table, _, err := e.Table()
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	return table, e.Geometry()
}

func TestStackRejectsEvenPatch(t *testing.T) {
	table := mat.NewDense(3, 4, nil)

	_, err := Stack(table, ndindex.Shape{4}, ndindex.Shape{3}, []int{1}, nil)
	if !errors.Is(err, grid.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}

	_, err = Quilt(table, ndindex.Shape{4}, ndindex.Shape{3}, []int{1}, nil)
	if !errors.Is(err, grid.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration from Quilt, got %v", err)
	}
}

func TestRoundTripNonOverlapping(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{10, 7, 3}, 1)
	patchSize := ndindex.Shape{3, 3, 3}
	stride := []int{3}

	table, geom := extractTable(t, vol, patchSize, stride)
	stack, err := Stack(table, patchSize, geom.GridSize, stride, nil)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if stack.NumLayers() != 1 {
		t.Errorf("Expected a single layer when stride equals patch size, got %d", stack.NumLayers())
	}

	rec, err := stack.Reduce(Mean, 2)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if !rec.Volume.Shape.Equal(geom.CoveredSize) {
		t.Fatalf("Expected reconstruction of %v, got %v", geom.CoveredSize, rec.Volume.Shape)
	}

	want, err := vol.Crop([]int{0, 0, 0}, geom.CoveredSize)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if diff := cmp.Diff(want.Data, rec.Volume.Data); diff != "" {
		t.Errorf("Reconstruction mismatch (-want +got):\n%s", diff)
	}
	for i, c := range rec.Coverage {
		if c != 1 {
			t.Fatalf("Entry %d covered by %d layers, expected 1", i, c)
		}
	}
}

func TestOverlapAveraging1D(t *testing.T) {
	vol, _ := models.FromData([]float64{3, 1, 4, 1, 5, 9, 2}, ndindex.Shape{7}, 1)
	patchSize := ndindex.Shape{3}
	stride := []int{1}

	table, geom := extractTable(t, vol, patchSize, stride)
	rec, err := Quilt(table, patchSize, geom.GridSize, stride, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}

	if diff := cmp.Diff(vol.Data, rec.Volume.Data); diff != "" {
		t.Errorf("Reconstruction mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 3, 3, 2, 1}, rec.Coverage); diff != "" {
		t.Errorf("Coverage mismatch (-want +got):\n%s", diff)
	}
	if rec.Coverage[0] >= rec.Coverage[3] {
		t.Errorf("Boundary coverage %d should be below interior coverage %d", rec.Coverage[0], rec.Coverage[3])
	}
}

func TestOverlapAveragingMultiChannel(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{6, 5}, 2)
	patchSize := ndindex.Shape{3, 3}
	stride := []int{1}

	table, geom := extractTable(t, vol, patchSize, stride)
	stack, err := Stack(table, patchSize, geom.GridSize, stride, &Options{Workers: 3})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if stack.Channels != 2 {
		t.Errorf("Expected 2 channels, got %d", stack.Channels)
	}
	if stack.NumLayers() != 9 {
		t.Errorf("Expected 9 layers, got %d", stack.NumLayers())
	}

	for _, r := range []Reducer{Mean, Median, Max, Min} {
		rec, err := stack.Reduce(r, 2)
		if err != nil {
			t.Fatalf("Reduce failed: %v", err)
		}
		if diff := cmp.Diff(vol.Data, rec.Volume.Data); diff != "" {
			t.Errorf("Reconstruction mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestMeanResolvesDisagreement(t *testing.T) {
	// two overlapping 1D patches of length 3 at stride 2 disagree at cell 2
	table := mat.NewDense(2, 3, []float64{
		1, 1, 1,
		3, 3, 3,
	})
	rec, err := Quilt(table, ndindex.Shape{3}, ndindex.Shape{2}, []int{2}, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 1, 2, 3, 3}, rec.Volume.Data); diff != "" {
		t.Errorf("Mean mismatch (-want +got):\n%s", diff)
	}

	rec, err = Quilt(table, ndindex.Shape{3}, ndindex.Shape{2}, []int{2}, &Options{Reduce: Max})
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if rec.Volume.Data[2] != 3 {
		t.Errorf("Expected max of 3 at the overlap, got %f", rec.Volume.Data[2])
	}
}

func TestNaNValuesAreAbsent(t *testing.T) {
	nan := math.NaN()
	table := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		nan, 3, 4,
		3, 4, 5,
	})
	rec, err := Quilt(table, ndindex.Shape{3}, ndindex.Shape{3}, []int{1}, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5}, rec.Volume.Data); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1, 3, 2, 1}, rec.Coverage); diff != "" {
		t.Errorf("Coverage mismatch (-want +got):\n%s", diff)
	}

	// a cell whose only contribution is NaN stays absent
	table.Set(0, 0, nan)
	table.Set(1, 0, 2)
	rec, err = Quilt(table, ndindex.Shape{3}, ndindex.Shape{3}, []int{1}, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if rec.Present[0] || !math.IsNaN(rec.Volume.Data[0]) || rec.Coverage[0] != 0 {
		t.Errorf("Expected cell 0 absent, got value %f coverage %d present %v",
			rec.Volume.Data[0], rec.Coverage[0], rec.Present[0])
	}
	if rec.NumPresent() != 4 {
		t.Errorf("Expected 4 present cells, got %d", rec.NumPresent())
	}
	if rec.Volume.Data[1] != 2 {
		t.Errorf("Expected 2 at cell 1, got %f", rec.Volume.Data[1])
	}
}

func TestLayerCountBound(t *testing.T) {
	for _, p := range []int{1, 3, 5} {
		for s := 1; s <= p+1; s++ {
			vol := createTestVolume(t, ndindex.Shape{11, 9}, 1)
			patchSize := ndindex.Shape{p, p}
			table, geom := extractTable(t, vol, patchSize, []int{s})

			stack, err := Stack(table, patchSize, geom.GridSize, []int{s}, nil)
			if err != nil {
				t.Fatalf("p=%d s=%d: Stack failed: %v", p, s, err)
			}
			if stack.NumLayers() > patchSize.Prod() {
				t.Errorf("p=%d s=%d: %d layers exceeds %d", p, s, stack.NumLayers(), patchSize.Prod())
			}

			total := 0
			for _, l := range stack.Layers {
				total += l.NumPatches()
			}
			if total != geom.NumPatches() {
				t.Errorf("p=%d s=%d: layers hold %d patches, expected %d", p, s, total, geom.NumPatches())
			}
		}
	}
}

func TestLayersNeverOverlap(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{9, 8, 7}, 1)
	patchSize := ndindex.Shape{3, 5, 3}
	stride := []int{1, 2, 2}

	table, geom := extractTable(t, vol, patchSize, stride)
	_, err := Stack(table, patchSize, geom.GridSize, stride, &Options{CheckCollisions: true})
	if err != nil {
		t.Errorf("Expected no collisions, got %v", err)
	}
}

func TestCollisionCheck(t *testing.T) {
	layout := &Layout{
		PatchSize:  ndindex.Shape{3},
		Stride:     ndindex.Shape{1},
		GridSize:   ndindex.Shape{2},
		TargetSize: ndindex.Shape{4},
	}
	table := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	anchors := [][]int{{0}, {1}}

	// force both overlapping patches into one layer
	l := &Layer{Residue: []int{0}, rows: []int{0, 1}}
	err := fillLayer(l, table, anchors, layout, 1, 4, true)
	if !errors.Is(err, ErrLayerCollision) {
		t.Errorf("Expected ErrLayerCollision, got %v", err)
	}

	// without the check the later patch overwrites silently
	l = &Layer{Residue: []int{0}, rows: []int{0, 1}}
	if err := fillLayer(l, table, anchors, layout, 1, 4, false); err != nil {
		t.Fatalf("fillLayer failed: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 4, 5, 6}, l.Values); diff != "" {
		t.Errorf("Overwrite mismatch (-want +got):\n%s", diff)
	}
}

func TestGridSizeAsTargetSize(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{10}, 1)
	patchSize := ndindex.Shape{3}
	stride := []int{3}

	table, _ := extractTable(t, vol, patchSize, stride)
	rec, err := Quilt(table, patchSize, ndindex.Shape{10}, stride, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if !rec.Volume.Shape.Equal(ndindex.Shape{10}) {
		t.Fatalf("Expected target of (10), got %v", rec.Volume.Shape)
	}
	if diff := cmp.Diff(vol.Data[:9], rec.Volume.Data[:9]); diff != "" {
		t.Errorf("Covered region mismatch (-want +got):\n%s", diff)
	}
	if rec.Present[9] || !math.IsNaN(rec.Volume.Data[9]) {
		t.Errorf("Expected trailing cell to be absent, got %f (present %v)", rec.Volume.Data[9], rec.Present[9])
	}
	if rec.NumPresent() != 9 {
		t.Errorf("Expected 9 present entries, got %d", rec.NumPresent())
	}
}

func TestGridMismatch(t *testing.T) {
	table := mat.NewDense(5, 3, nil)

	_, err := Stack(table, ndindex.Shape{3}, ndindex.Shape{4}, []int{1}, nil)
	if !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch, got %v", err)
	}

	layout, err := LayoutForGrid(ndindex.Shape{3}, ndindex.Shape{4}, []int{1})
	if err != nil {
		t.Fatalf("LayoutForGrid failed: %v", err)
	}
	if _, err := StackLayout(table, layout, nil); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch from StackLayout, got %v", err)
	}

	bad := mat.NewDense(4, 4, nil)
	if _, err := StackLayout(bad, layout, nil); !errors.Is(err, ndindex.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for ragged rows, got %v", err)
	}
}

func TestLayouts(t *testing.T) {
	l, err := LayoutForGrid(ndindex.Shape{3, 3}, ndindex.Shape{2, 2}, []int{2})
	if err != nil {
		t.Fatalf("LayoutForGrid failed: %v", err)
	}
	if !l.TargetSize.Equal(ndindex.Shape{5, 5}) {
		t.Errorf("Expected target (5,5), got %v", l.TargetSize)
	}

	l, err = LayoutForTarget(ndindex.Shape{3, 3}, ndindex.Shape{6, 6}, []int{2})
	if err != nil {
		t.Fatalf("LayoutForTarget failed: %v", err)
	}
	if !l.GridSize.Equal(ndindex.Shape{2, 2}) || l.NumPatches() != 4 {
		t.Errorf("Expected grid (2,2), got %v", l.GridSize)
	}

	// the product of (2,2) matches 4 patches, so it is read as a grid
	l, err = ResolveLayout(4, ndindex.Shape{3, 3}, ndindex.Shape{2, 2}, []int{2})
	if err != nil {
		t.Fatalf("ResolveLayout failed: %v", err)
	}
	if !l.TargetSize.Equal(ndindex.Shape{5, 5}) {
		t.Errorf("Expected grid interpretation, got target %v", l.TargetSize)
	}
}

type plainMatrix struct {
	mat.Matrix
}

func TestStackGenericMatrix(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{7, 7}, 1)
	patchSize := ndindex.Shape{3, 3}
	stride := []int{2}
	table, geom := extractTable(t, vol, patchSize, stride)

	direct, err := Quilt(table, patchSize, geom.GridSize, stride, nil)
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	generic, err := Quilt(plainMatrix{table}, patchSize, geom.GridSize, stride, nil)
	if err != nil {
		t.Fatalf("Quilt on generic matrix failed: %v", err)
	}
	if diff := cmp.Diff(direct.Volume.Data, generic.Volume.Data); diff != "" {
		t.Errorf("Generic matrix result mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{9, 9, 5}, 2)
	patchSize := ndindex.Shape{3, 3, 3}
	stride := []int{2, 1, 1}
	table, geom := extractTable(t, vol, patchSize, stride)

	one, err := Quilt(table, patchSize, geom.GridSize, stride, &Options{Workers: 1, Reduce: Median})
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	many, err := Quilt(table, patchSize, geom.GridSize, stride, &Options{Workers: 8, Reduce: Median})
	if err != nil {
		t.Fatalf("Quilt failed: %v", err)
	}
	if diff := cmp.Diff(one.Volume.Data, many.Volume.Data); diff != "" {
		t.Errorf("Worker count changed result (-want +got):\n%s", diff)
	}
}

func TestDenseAndProgress(t *testing.T) {
	table := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	var calls atomic.Int32
	opts := &Options{
		Progress: func(completed, total int, message string) {
			calls.Add(1)
			if completed > total {
				t.Errorf("Progress %d exceeds total %d", completed, total)
			}
		},
	}

	stack, err := Stack(table, ndindex.Shape{3}, ndindex.Shape{3}, []int{1}, opts)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if int(calls.Load()) != stack.NumLayers() {
		t.Errorf("Expected %d progress calls, got %d", stack.NumLayers(), calls.Load())
	}

	dense := stack.Dense()
	if len(dense) != stack.NumLayers()*5 {
		t.Fatalf("Expected %d values, got %d", stack.NumLayers()*5, len(dense))
	}
	// first layer holds the patch anchored at 0 only
	for i, want := range []float64{1, 2, 3} {
		if dense[i] != want {
			t.Errorf("Layer 0 entry %d: expected %f, got %f", i, want, dense[i])
		}
	}
	if !math.IsNaN(dense[3]) || !math.IsNaN(dense[4]) {
		t.Errorf("Expected absent tail of layer 0 to be NaN, got %v", dense[3:5])
	}
	if stack.Bytes() != uint64(stack.NumLayers()*5*9) {
		t.Errorf("Unexpected buffer size %d", stack.Bytes())
	}
}

func TestCollect(t *testing.T) {
	vol := createTestVolume(t, ndindex.Shape{6, 6}, 1)
	e, err := patch.NewExtractor(vol, ndindex.Shape{3, 3}, []int{1})
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}

	collected, err := Collect(e.Patches())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	table, _, _ := e.Table()
	if !mat.Equal(collected, table) {
		t.Error("Collected table differs from eager table")
	}

	empty, _ := patch.NewExtractor(vol, ndindex.Shape{7, 3}, []int{1})
	if _, err := Collect(empty.Patches()); !errors.Is(err, patch.ErrEmptyGrid) {
		t.Errorf("Expected ErrEmptyGrid, got %v", err)
	}
}

func TestReducerByName(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	tests := map[string]float64{
		"":       2.5,
		"mean":   2.5,
		"Median": 2.5,
		"max":    4,
		"min":    1,
	}
	for name, want := range tests {
		r, err := ReducerByName(name)
		if err != nil {
			t.Fatalf("ReducerByName(%q) failed: %v", name, err)
		}
		if got := r(values); got != want {
			t.Errorf("%q: expected %f, got %f", name, want, got)
		}
	}
	if diff := cmp.Diff([]float64{4, 1, 3, 2}, values); diff != "" {
		t.Errorf("Reducers must not modify their input (-want +got):\n%s", diff)
	}
	if Median([]float64{5, 1, 3}) != 3 {
		t.Error("Expected median of odd count to be the middle value")
	}

	if _, err := ReducerByName("mode"); err == nil {
		t.Error("Expected error for unknown reducer")
	}
}
