// Package scoring computes the standard depth error metrics between a
// ground-truth and a predicted depth sample.
package scoring

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/stevecastle/depthkit/evalerr"
)

// Accuracy band thresholds: 1.25, 1.25^2 and 1.25^3.
const (
	Threshold1 = 1.25
	Threshold2 = 1.25 * 1.25
	Threshold3 = 1.25 * 1.25 * 1.25
)

// Names lists the metrics in report order.
var Names = [7]string{"abs_rel", "sq_rel", "rmse", "rmse_log", "a1", "a2", "a3"}

// Report holds the seven statistics for one prediction, or their mean over
// an evaluation set.
type Report struct {
	AbsRel  float64 `json:"abs_rel"`
	SqRel   float64 `json:"sq_rel"`
	RMSE    float64 `json:"rmse"`
	RMSELog float64 `json:"rmse_log"`
	A1      float64 `json:"a1"`
	A2      float64 `json:"a2"`
	A3      float64 `json:"a3"`
}

// Values returns the statistics in the fixed order
// (abs_rel, sq_rel, rmse, rmse_log, a1, a2, a3).
func (r Report) Values() [7]float64 {
	return [7]float64{r.AbsRel, r.SqRel, r.RMSE, r.RMSELog, r.A1, r.A2, r.A3}
}

// FromValues is the inverse of Values.
func FromValues(v [7]float64) Report {
	return Report{AbsRel: v[0], SqRel: v[1], RMSE: v[2], RMSELog: v[3], A1: v[4], A2: v[5], A3: v[6]}
}

func (r Report) String() string {
	return fmt.Sprintf("abs_rel=%.3f sq_rel=%.3f rmse=%.3f rmse_log=%.3f a1=%.3f a2=%.3f a3=%.3f",
		r.AbsRel, r.SqRel, r.RMSE, r.RMSELog, r.A1, r.A2, r.A3)
}

// ComputeErrors compares pred against gt pixel by pixel. Both slices must be
// non-empty, of equal length and strictly positive; abs_rel and sq_rel divide
// by gt only, so the result is not symmetric in its arguments.
func ComputeErrors(gt, pred []float64) (Report, error) {
	if len(gt) != len(pred) {
		return Report{}, evalerr.Domainf("shape mismatch: %d ground-truth vs %d predicted values", len(gt), len(pred))
	}
	if len(gt) == 0 {
		return Report{}, evalerr.Domainf("no pixels to score")
	}
	var a1, a2, a3 int
	var sq, sqLog, absRel, sqRel float64
	for i := range gt {
		g, p := gt[i], pred[i]
		if !(g > 0) || !(p > 0) || math.IsInf(g, 0) || math.IsInf(p, 0) {
			return Report{}, evalerr.Domainf("pixel %d: depths must be positive (gt=%v, pred=%v)", i, g, p)
		}
		thresh := math.Max(g/p, p/g)
		if thresh < Threshold1 {
			a1++
		}
		if thresh < Threshold2 {
			a2++
		}
		if thresh < Threshold3 {
			a3++
		}
		d := g - p
		sq += d * d
		l := math.Log(g) - math.Log(p)
		sqLog += l * l
		absRel += math.Abs(d) / g
		sqRel += d * d / g
	}
	n := float64(len(gt))
	return Report{
		AbsRel:  absRel / n,
		SqRel:   sqRel / n,
		RMSE:    math.Sqrt(sq / n),
		RMSELog: math.Sqrt(sqLog / n),
		A1:      float64(a1) / n,
		A2:      float64(a2) / n,
		A3:      float64(a3) / n,
	}, nil
}

// Aggregate returns the column-wise arithmetic mean of reports.
func Aggregate(reports []Report) (Report, error) {
	if len(reports) == 0 {
		return Report{}, evalerr.Domainf("no reports to aggregate")
	}
	var mean [7]float64
	col := make([]float64, len(reports))
	for k := range mean {
		for i, r := range reports {
			col[i] = r.Values()[k]
		}
		mean[k] = stat.Mean(col, nil)
	}
	return FromValues(mean), nil
}
