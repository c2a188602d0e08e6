package scoring

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/stevecastle/depthkit/evalerr"
)

// Mask keeps the pixel pairs whose ground truth lies strictly inside
// (minDepth, maxDepth). Ground-truth zeros mark missing measurements and are
// always dropped.
func Mask(gt, pred []float64, minDepth, maxDepth float64) (g, p []float64, err error) {
	if len(gt) != len(pred) {
		return nil, nil, evalerr.Domainf("shape mismatch: %d ground-truth vs %d predicted values", len(gt), len(pred))
	}
	for i, v := range gt {
		if v > minDepth && v < maxDepth {
			g = append(g, v)
			p = append(p, pred[i])
		}
	}
	return g, p, nil
}

// Median returns the median of x, averaging the two middle values for even
// lengths. x is not modified.
func Median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// MedianScale multiplies pred in place by median(gt)/median(pred) and returns
// the ratio. Used for monocular models, whose depth is only known up to scale.
func MedianScale(gt, pred []float64) (float64, error) {
	if len(gt) == 0 || len(pred) == 0 {
		return 0, evalerr.Domainf("cannot median-scale an empty sample")
	}
	mp := Median(pred)
	if !(mp > 0) {
		return 0, evalerr.Domainf("median prediction %v must be positive", mp)
	}
	ratio := Median(gt) / mp
	for i := range pred {
		pred[i] *= ratio
	}
	return ratio, nil
}

// Clip bounds every value of x in place to [lo, hi].
func Clip(x []float64, lo, hi float64) {
	for i, v := range x {
		x[i] = math.Max(lo, math.Min(hi, v))
	}
}

// RatioSummary describes the median-scaling ratios of an evaluation run.
type RatioSummary struct {
	Median float64
	Std    float64
}

// SummarizeRatios returns the median of the per-example scaling ratios and
// the population standard deviation of the ratios divided by that median.
func SummarizeRatios(ratios []float64) RatioSummary {
	if len(ratios) == 0 {
		return RatioSummary{}
	}
	med := Median(ratios)
	rel := make([]float64, len(ratios))
	for i, r := range ratios {
		rel[i] = r / med
	}
	return RatioSummary{
		Median: med,
		Std:    math.Sqrt(stat.PopVariance(rel, nil)),
	}
}
