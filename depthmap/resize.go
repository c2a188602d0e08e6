package depthmap

import (
	"math"
	"runtime"
	"strings"
	"sync"

	"github.com/stevecastle/depthkit/evalerr"
)

// ResizeMethod selects the resampling kernel for float rasters.
type ResizeMethod string

const (
	Bilinear ResizeMethod = "bilinear"
	Nearest  ResizeMethod = "nearest"
)

// ParseResizeMethod accepts "bilinear" or "nearest" in any case.
func ParseResizeMethod(s string) (ResizeMethod, error) {
	switch ResizeMethod(strings.ToLower(strings.TrimSpace(s))) {
	case Bilinear, "":
		return Bilinear, nil
	case Nearest:
		return Nearest, nil
	}
	return "", evalerr.Configf("unknown resize method %q (bilinear|nearest)", s)
}

// Resize resamples m to width x height. Sample positions follow the OpenCV
// convention (pixel centers at +0.5, borders replicated) so outputs line up
// with maps produced by cv2.resize.
func (m *Map) Resize(width, height int, method ResizeMethod) (*Map, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, evalerr.Configf("invalid resize target %dx%d", width, height)
	}
	if width == m.Width && height == m.Height {
		return m.Clone(), nil
	}
	out := New(width, height)
	sx := float64(m.Width) / float64(width)
	sy := float64(m.Height) / float64(height)

	var row func(y int)
	switch method {
	case Nearest:
		xs := make([]int, width)
		for x := range xs {
			xs[x] = minInt(int(math.Floor(float64(x)*sx)), m.Width-1)
		}
		row = func(y int) {
			srcY := minInt(int(math.Floor(float64(y)*sy)), m.Height-1)
			src := m.Row(srcY)
			dst := out.Row(y)
			for x, ix := range xs {
				dst[x] = src[ix]
			}
		}
	case Bilinear, "":
		x0s, x1s, fxs := linearTaps(width, m.Width, sx)
		y0s, y1s, fys := linearTaps(height, m.Height, sy)
		row = func(y int) {
			r0 := m.Row(y0s[y])
			r1 := m.Row(y1s[y])
			fy := fys[y]
			dst := out.Row(y)
			for x := range dst {
				fx := fxs[x]
				top := r0[x0s[x]]*(1-fx) + r0[x1s[x]]*fx
				bot := r1[x0s[x]]*(1-fx) + r1[x1s[x]]*fx
				dst[x] = top*(1-fy) + bot*fy
			}
		}
	default:
		return nil, evalerr.Configf("unknown resize method %q", method)
	}

	var wg sync.WaitGroup
	for _, rr := range splitRows(height, runtime.GOMAXPROCS(0)) {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				row(y)
			}
		}(rr[0], rr[1])
	}
	wg.Wait()
	return out, nil
}

// linearTaps precomputes the two source indices and the blend weight for
// every destination coordinate along one axis.
func linearTaps(dst, src int, scale float64) (i0, i1 []int, f []float32) {
	i0 = make([]int, dst)
	i1 = make([]int, dst)
	f = make([]float32, dst)
	for d := 0; d < dst; d++ {
		pos := (float64(d)+0.5)*scale - 0.5
		s := int(math.Floor(pos))
		frac := pos - float64(s)
		if s < 0 {
			s, frac = 0, 0
		}
		if s >= src-1 {
			s, frac = src-1, 0
		}
		i0[d] = s
		i1[d] = minInt(s+1, src-1)
		f[d] = float32(frac)
	}
	return i0, i1, f
}

func splitRows(h, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = h
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
