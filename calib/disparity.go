package calib

import (
	"math"

	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
)

// Range is the depth interval the decoder's sigmoid output is mapped onto.
// It is separate from the clip bounds used when persisting depth.
type Range struct {
	MinDepth float32
	MaxDepth float32
}

// DefaultRange returns the 0.1..100 interval used at training time.
func DefaultRange() Range {
	return Range{MinDepth: 0.1, MaxDepth: 100}
}

// Validate requires 0 < MinDepth < MaxDepth.
func (r Range) Validate() error {
	if !(r.MinDepth > 0) || !(r.MaxDepth > r.MinDepth) || math.IsInf(float64(r.MaxDepth), 0) {
		return evalerr.Configf("conversion depth range must satisfy 0 < min < max, got [%v, %v]", r.MinDepth, r.MaxDepth)
	}
	return nil
}

// ScaleDisparity maps a sigmoid output in [0,1] to disparity in
// [1/MaxDepth, 1/MinDepth].
func (r Range) ScaleDisparity(sigmoid float32) float32 {
	minDisp := 1 / r.MaxDepth
	maxDisp := 1 / r.MinDepth
	return minDisp + (maxDisp-minDisp)*sigmoid
}

// DispToDepth returns the scaled disparity and its reciprocal depth.
func (r Range) DispToDepth(sigmoid float32) (disp, depth float32) {
	disp = r.ScaleDisparity(sigmoid)
	return disp, 1 / disp
}

// ScaleMap applies ScaleDisparity to every pixel and returns a new map.
func (r Range) ScaleMap(m *depthmap.Map) (*depthmap.Map, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := depthmap.New(m.Width, m.Height)
	for i, v := range m.Pix {
		out.Pix[i] = r.ScaleDisparity(v)
	}
	return out, nil
}
