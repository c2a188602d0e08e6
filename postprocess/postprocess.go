// Package postprocess removes the edge seams left by single-pass inference
// by blending a disparity map with the prediction made on its mirror image.
package postprocess

import (
	"math"

	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
)

// Weights returns the per-column blend masks for a map of the given width.
// wl is 1 over the leftmost 5% of columns, falls linearly to 0 at 10% and
// stays 0; wr is its column reverse. A width of 1 yields wl = wr = [1].
func Weights(width int) (wl, wr []float64) {
	wl = make([]float64, width)
	wr = make([]float64, width)
	for w := 0; w < width; w++ {
		x := 0.0
		if width > 1 {
			x = float64(w) / float64(width-1)
		}
		wl[w] = clip01(1 - 20*(x-0.05))
	}
	for w := range wl {
		wr[w] = wl[width-1-w]
	}
	return wl, wr
}

// Blend reconciles l, predicted on the original image, with r, predicted on
// the mirrored image and flipped back:
//
//	O = wr*L + wl*R + (1-wl-wr)*0.5*(L+R)
func Blend(l, r *depthmap.Map) (*depthmap.Map, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if !l.SameShape(r) {
		return nil, evalerr.Domainf("cannot blend %dx%d with %dx%d", l.Width, l.Height, r.Width, r.Height)
	}
	wl, wr := Weights(l.Width)
	return blend(l, r, wl, wr), nil
}

// BlendBatch applies Blend pairwise, sharing one set of weights.
func BlendBatch(ls, rs []*depthmap.Map) ([]*depthmap.Map, error) {
	if len(ls) != len(rs) {
		return nil, evalerr.Domainf("batch size mismatch: %d vs %d", len(ls), len(rs))
	}
	if len(ls) == 0 {
		return nil, nil
	}
	var wl, wr []float64
	out := make([]*depthmap.Map, len(ls))
	for i := range ls {
		if err := ls[i].Validate(); err != nil {
			return nil, err
		}
		if err := rs[i].Validate(); err != nil {
			return nil, err
		}
		if !ls[i].SameShape(rs[i]) || !ls[i].SameShape(ls[0]) {
			return nil, evalerr.Domainf("batch item %d has mismatched shape", i)
		}
		if wl == nil {
			wl, wr = Weights(ls[0].Width)
		}
		out[i] = blend(ls[i], rs[i], wl, wr)
	}
	return out, nil
}

func blend(l, r *depthmap.Map, wl, wr []float64) *depthmap.Map {
	out := depthmap.New(l.Width, l.Height)
	for y := 0; y < l.Height; y++ {
		lr, rr, or := l.Row(y), r.Row(y), out.Row(y)
		for x := range or {
			lv, rv := float64(lr[x]), float64(rr[x])
			m := 0.5 * (lv + rv)
			or[x] = float32(wr[x]*lv + wl[x]*rv + (1-wl[x]-wr[x])*m)
		}
	}
	return out
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
