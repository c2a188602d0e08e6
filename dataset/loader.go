package dataset

import (
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	resize "github.com/nfnt/resize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/tensor"
)

// Options configures how manifest entries become network input.
type Options struct {
	// DataPath is the dataset root; images live at DataPath/Dir/Name+Ext.
	DataPath string
	// Ext is appended to names that carry no extension of their own.
	Ext string
	// Width and Height are the network input resolution.
	Width  int
	Height int
	// Interpolation: "lanczos3", "bicubic", "bilinear", "nearest" or "catmullrom".
	Interpolation string
	// Workers bounds concurrent image decodes within a batch.
	Workers int
}

// DefaultOptions matches the usual 640x192 evaluation resolution.
func DefaultOptions() Options {
	return Options{
		Ext:           ".jpg",
		Width:         640,
		Height:        192,
		Interpolation: "lanczos3",
		Workers:       4,
	}
}

// Loader decodes and resizes images into NCHW RGB batches scaled to [0,1].
type Loader struct {
	opts Options
}

// NewLoader validates opts and returns a Loader.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, evalerr.Configf("invalid network input size %dx%d", opts.Width, opts.Height)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{opts: opts}, nil
}

// ImagePath returns the file an example is read from.
func (l *Loader) ImagePath(ex Example) string {
	name := ex.Name
	if filepath.Ext(name) == "" {
		name += l.opts.Ext
	}
	return filepath.Join(l.opts.DataPath, ex.Dir, name)
}

// LoadBatch reads every example of the batch. Decodes run in parallel but
// each result is stored at its own index, so item i always belongs to
// examples[i].
func (l *Loader) LoadBatch(ctx context.Context, examples []Example) (*tensor.Batch, error) {
	if len(examples) == 0 {
		return nil, evalerr.Domainf("empty batch")
	}
	batch := tensor.NewBatch(len(examples), 3, l.opts.Height, l.opts.Width)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, ex := range examples {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := l.decode(l.ImagePath(ex))
			if err != nil {
				return err
			}
			l.fill(batch.Item(i), img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}

func (l *Loader) decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, evalerr.NotFoundf("image %s", path)
		}
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return l.resize(img), nil
}

func (l *Loader) resize(src image.Image) image.Image {
	w, h := l.opts.Width, l.opts.Height
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	switch strings.ToLower(strings.TrimSpace(l.opts.Interpolation)) {
	case "lanczos3", "":
		return resize.Resize(uint(w), uint(h), src, resize.Lanczos3)
	case "bicubic":
		return resize.Resize(uint(w), uint(h), src, resize.Bicubic)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	chooseScaler(l.opts.Interpolation).Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// fill writes img into a CHW float32 slice with channels in RGB order.
func (l *Loader) fill(dst []float32, img image.Image) {
	w, h := l.opts.Width, l.opts.Height
	plane := w * h
	b := img.Bounds()
	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			dst[idx] = float32(c.R) / 255
			dst[plane+idx] = float32(c.G) / 255
			dst[2*plane+idx] = float32(c.B) / 255
			idx++
		}
	}
}

func chooseScaler(name string) draw.Scaler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bilinear":
		return draw.BiLinear
	case "nearest":
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}
