// Package metrics measures how closely a reconstructed volume matches the
// volume its patches were taken from.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ValidationMetrics holds reconstruction quality measures computed over the
// entries present in the reconstruction.
type ValidationMetrics struct {
	// MI (Mutual Information) estimates the statistical dependency between
	// the original and reconstructed values under a Gaussian model. Higher is
	// better; identical non-constant data gives +Inf.
	MI float64

	// EntropyDiff is the absolute difference in Shannon entropy between the
	// original and reconstructed value histograms. Lower is better.
	EntropyDiff float64

	// RMSE is the root mean square error. Lower is better.
	RMSE float64

	// MaxAbsError is the largest absolute difference of any entry.
	MaxAbsError float64

	// SSIM is the global structural similarity index in [-1, 1].
	SSIM float64

	// Coverage is the fraction of entries that were present in the
	// reconstruction.
	Coverage float64
}

// Compare computes metrics between original and reconstructed, which must
// have equal length. present, if non-nil, selects the entries to compare.
func Compare(original, reconstructed []float64, present []bool) (ValidationMetrics, error) {
	if len(original) != len(reconstructed) {
		return ValidationMetrics{}, fmt.Errorf("length mismatch: original %d, reconstructed %d", len(original), len(reconstructed))
	}
	if present != nil && len(present) != len(original) {
		return ValidationMetrics{}, fmt.Errorf("length mismatch: mask %d, data %d", len(present), len(original))
	}

	orig, recon := selectPresent(original, reconstructed, present)
	m := ValidationMetrics{}
	if len(original) > 0 {
		m.Coverage = float64(len(orig)) / float64(len(original))
	}
	if len(orig) == 0 {
		return m, nil
	}

	m.MI = mutualInformation(orig, recon)
	m.EntropyDiff = math.Abs(entropy(orig) - entropy(recon))
	m.RMSE = rmse(orig, recon)
	m.MaxAbsError = maxAbsError(orig, recon)
	m.SSIM = ssim(orig, recon)
	return m, nil
}

func selectPresent(original, reconstructed []float64, present []bool) ([]float64, []float64) {
	if present == nil {
		return original, reconstructed
	}
	orig := make([]float64, 0, len(original))
	recon := make([]float64, 0, len(reconstructed))
	for i, ok := range present {
		if ok {
			orig = append(orig, original[i])
			recon = append(recon, reconstructed[i])
		}
	}
	return orig, recon
}

// mutualInformation approximates MI as 0.5*log(var(X)var(Y) / det(cov(X,Y))).
func mutualInformation(original, reconstructed []float64) float64 {
	varOrig := stat.PopVariance(original, nil)
	varRecon := stat.PopVariance(reconstructed, nil)
	if varOrig <= 0 || varRecon <= 0 {
		return 0
	}
	covar := popCovariance(original, reconstructed)
	determinant := varOrig*varRecon - covar*covar
	if determinant <= 0 {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varOrig*varRecon/determinant)
}

// popCovariance is the population (biased) covariance of x and y.
func popCovariance(x, y []float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	return stat.Covariance(x, y, nil) * float64(n-1) / float64(n)
}

func rmse(original, reconstructed []float64) float64 {
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(len(original)))
}

func maxAbsError(original, reconstructed []float64) float64 {
	return floats.Distance(original, reconstructed, math.Inf(1))
}

// ssim computes a single-window structural similarity index. The dynamic
// range is taken from the original data.
func ssim(original, reconstructed []float64) float64 {
	const k1, k2 = 0.01, 0.03

	l := floats.Max(original) - floats.Min(original)
	if l <= 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)
	sigmaX := stat.PopVariance(original, nil)
	sigmaY := stat.PopVariance(reconstructed, nil)
	sigmaXY := popCovariance(original, reconstructed)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// entropy computes the Shannon entropy (bits) of a 256-bin histogram.
func entropy(data []float64) float64 {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (hi - lo) / numBins
	for _, v := range data {
		bin := int((v - lo) / binWidth)
		if bin >= numBins {
			bin = numBins - 1
		} else if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}

	n := float64(len(data))
	h := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}
