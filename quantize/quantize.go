// Package quantize encodes metric depth as 16-bit fixed point.
//
// A stored value v represents v/256 distance units. Depth is clipped to
// [MinDepth, MaxDepth], multiplied by 256 and rounded half away from zero
// (math.Round); since clipped depth is never negative this is round-half-up.
// Decoding is exact to within 1/512 unit.
package quantize

import (
	"image"
	"image/color"
	"math"

	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
)

// Scale is the number of stored steps per distance unit.
const Scale = 256

// Bounds is the clip interval applied before encoding.
type Bounds struct {
	MinDepth float64
	MaxDepth float64
}

// DefaultBounds returns [0, 80].
func DefaultBounds() Bounds {
	return Bounds{MinDepth: 0, MaxDepth: 80}
}

// Validate requires 0 <= MinDepth <= MaxDepth and MaxDepth*256 to fit in 16 bits.
func (b Bounds) Validate() error {
	if math.IsNaN(b.MinDepth) || math.IsNaN(b.MaxDepth) || b.MinDepth < 0 || b.MinDepth > b.MaxDepth {
		return evalerr.Configf("clip bounds must satisfy 0 <= min <= max, got [%v, %v]", b.MinDepth, b.MaxDepth)
	}
	if b.MaxDepth*Scale > math.MaxUint16 {
		return evalerr.Configf("max depth %v overflows 16-bit storage (limit %v)", b.MaxDepth, float64(math.MaxUint16)/Scale)
	}
	return nil
}

// Value encodes a single depth. NaN is rejected because it has no place in
// the clip interval.
func (b Bounds) Value(depth float64) (uint16, error) {
	if math.IsNaN(depth) {
		return 0, evalerr.Domainf("cannot quantize NaN depth")
	}
	d := math.Max(b.MinDepth, math.Min(b.MaxDepth, depth))
	return uint16(math.Round(d * Scale)), nil
}

// Quantize clips and encodes a whole depth map into a 16-bit gray image of
// the same size.
func (b Bounds) Quantize(depth *depthmap.Map) (*image.Gray16, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := depth.Validate(); err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, depth.Width, depth.Height))
	for y := 0; y < depth.Height; y++ {
		row := depth.Row(y)
		for x, d := range row {
			v, err := b.Value(float64(d))
			if err != nil {
				return nil, evalerr.Domainf("pixel (%d,%d): %v", x, y, err)
			}
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}
	return img, nil
}

// Dequantize returns stored/256 as a depth map.
func Dequantize(img *image.Gray16) *depthmap.Map {
	bounds := img.Bounds()
	m := depthmap.New(bounds.Dx(), bounds.Dy())
	for y := 0; y < m.Height; y++ {
		row := m.Row(y)
		for x := range row {
			row[x] = float32(img.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y) / Scale
		}
	}
	return m
}
