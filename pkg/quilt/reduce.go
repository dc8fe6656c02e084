package quilt

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reducer combines the values the layers contribute to one cell. It is only
// called with at least one value and must not retain the slice.
type Reducer func(values []float64) float64

// Mean returns the arithmetic mean of the values.
func Mean(values []float64) float64 {
	return stat.Mean(values, nil)
}

// Median returns the median of the values, averaging the middle pair for an
// even count.
func Median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Max returns the largest value.
func Max(values []float64) float64 {
	return floats.Max(values)
}

// Min returns the smallest value.
func Min(values []float64) float64 {
	return floats.Min(values)
}

// ReducerByName returns the named reducer: mean, median, max or min.
func ReducerByName(name string) (Reducer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mean":
		return Mean, nil
	case "median":
		return Median, nil
	case "max":
		return Max, nil
	case "min":
		return Min, nil
	default:
		return nil, fmt.Errorf("unknown reducer %q (must be mean, median, max or min)", name)
	}
}
