// Package calib converts network disparity into metric depth.
//
// Two steps are involved. ScaleDisparity maps the sigmoid output of the depth
// decoder into the disparity range implied by the conversion depth bounds.
// Calibrate then turns that disparity into depth using a scale that depends on
// how the network was supervised: monocular models are scale-free (1.0),
// stereo models were trained against a nominal 0.1 baseline and need the
// ratio to the physical rig baseline (5.4 for a 0.54 rig).
package calib

import (
	"math"
	"strings"

	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
)

// Mode is the supervision mode of the evaluated model.
type Mode int

const (
	Mono Mode = iota + 1
	Stereo
)

func (m Mode) String() string {
	switch m {
	case Mono:
		return "mono"
	case Stereo:
		return "stereo"
	default:
		return "unknown"
	}
}

// ParseMode accepts "mono" or "stereo".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mono":
		return Mono, nil
	case "stereo":
		return Stereo, nil
	}
	return 0, evalerr.Configf("unknown evaluation mode %q (mono|stereo)", s)
}

// SelectMode resolves the pair of mutually exclusive mode switches. Exactly
// one of them must be set.
func SelectMode(mono, stereo bool) (Mode, error) {
	switch {
	case mono && !stereo:
		return Mono, nil
	case stereo && !mono:
		return Stereo, nil
	}
	return 0, evalerr.Configf("please choose mono or stereo evaluation by setting either --eval-mono or --eval-stereo")
}

// Scales holds the per-mode depth scale constants.
type Scales struct {
	Mono   float32
	Stereo float32
}

// DefaultScales returns 1.0 for mono and 5.4 for stereo (0.54 / 0.1 baseline).
func DefaultScales() Scales {
	return Scales{Mono: 1.0, Stereo: 5.4}
}

// For returns the scale constant for mode.
func (s Scales) For(mode Mode) (float32, error) {
	switch mode {
	case Mono:
		return s.Mono, nil
	case Stereo:
		return s.Stereo, nil
	}
	return 0, evalerr.Configf("no scale for mode %v", mode)
}

// Validate rejects non-positive or non-finite scales.
func (s Scales) Validate() error {
	for _, v := range []float32{s.Mono, s.Stereo} {
		if !(v > 0) || math.IsInf(float64(v), 0) {
			return evalerr.Configf("depth scale must be positive and finite, got %v", v)
		}
	}
	return nil
}

// Calibrate returns scale(mode) / disparity. Disparity must be strictly
// positive and finite.
func (s Scales) Calibrate(disparity float32, mode Mode) (float32, error) {
	scale, err := s.For(mode)
	if err != nil {
		return 0, err
	}
	if !(disparity > 0) || math.IsInf(float64(disparity), 0) {
		return 0, evalerr.Domainf("disparity must be positive, got %v", disparity)
	}
	return scale / disparity, nil
}

// CalibrateMap converts every pixel of a disparity map into depth. It fails on
// the first non-positive pixel instead of clamping it.
func (s Scales) CalibrateMap(disp *depthmap.Map, mode Mode) (*depthmap.Map, error) {
	if err := disp.Validate(); err != nil {
		return nil, err
	}
	scale, err := s.For(mode)
	if err != nil {
		return nil, err
	}
	out := depthmap.New(disp.Width, disp.Height)
	for i, d := range disp.Pix {
		if !(d > 0) || math.IsInf(float64(d), 0) {
			return nil, evalerr.Domainf("disparity %v at (%d,%d) must be positive", d, i%disp.Width, i/disp.Width)
		}
		out.Pix[i] = scale / d
	}
	return out, nil
}
