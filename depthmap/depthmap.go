// Package depthmap holds the single-channel float raster shared by every
// stage of the pipeline: network disparity, converted disparity and metric
// depth all travel as a Map.
package depthmap

import (
	"fmt"

	"github.com/stevecastle/depthkit/evalerr"
)

// Map is a row-major Height x Width float32 raster.
type Map struct {
	Width  int
	Height int
	Pix    []float32
}

// New returns a zero-filled map.
func New(width, height int) *Map {
	return &Map{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// Filled returns a map with every pixel set to v.
func Filled(width, height int, v float32) *Map {
	m := New(width, height)
	for i := range m.Pix {
		m.Pix[i] = v
	}
	return m
}

// FromRows builds a map from a slice of equal-length rows.
func FromRows(rows [][]float32) (*Map, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, evalerr.Domainf("empty map")
	}
	w := len(rows[0])
	m := New(w, len(rows))
	for y, r := range rows {
		if len(r) != w {
			return nil, evalerr.Domainf("row %d has %d columns, want %d", y, len(r), w)
		}
		copy(m.Pix[y*w:(y+1)*w], r)
	}
	return m, nil
}

// At returns the value at column x, row y.
func (m *Map) At(x, y int) float32 {
	return m.Pix[y*m.Width+x]
}

// Set stores v at column x, row y.
func (m *Map) Set(x, y int, v float32) {
	m.Pix[y*m.Width+x] = v
}

// Row returns the backing slice for row y.
func (m *Map) Row(y int) []float32 {
	return m.Pix[y*m.Width : (y+1)*m.Width]
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	c := &Map{Width: m.Width, Height: m.Height, Pix: make([]float32, len(m.Pix))}
	copy(c.Pix, m.Pix)
	return c
}

// SameShape reports whether m and o have identical dimensions.
func (m *Map) SameShape(o *Map) bool {
	return m.Width == o.Width && m.Height == o.Height
}

// Validate checks that the dimensions agree with the pixel buffer.
func (m *Map) Validate() error {
	if m == nil {
		return evalerr.Domainf("nil map")
	}
	if m.Width <= 0 || m.Height <= 0 {
		return evalerr.Domainf("invalid map size %dx%d", m.Width, m.Height)
	}
	if len(m.Pix) != m.Width*m.Height {
		return evalerr.Domainf("map %dx%d has %d pixels", m.Width, m.Height, len(m.Pix))
	}
	return nil
}

// FlipHorizontal returns a copy with every row reversed.
func (m *Map) FlipHorizontal() *Map {
	out := New(m.Width, m.Height)
	for y := 0; y < m.Height; y++ {
		src := m.Row(y)
		dst := out.Row(y)
		for x := range src {
			dst[m.Width-1-x] = src[x]
		}
	}
	return out
}

// Float64s widens the pixels for the scoring code.
func (m *Map) Float64s() []float64 {
	out := make([]float64, len(m.Pix))
	for i, v := range m.Pix {
		out[i] = float64(v)
	}
	return out
}

func (m *Map) String() string {
	return fmt.Sprintf("depthmap.Map(%dx%d)", m.Width, m.Height)
}
