package quantize

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"github.com/stevecastle/depthkit/evalerr"
)

// Encode writes img as a single-channel 16-bit PNG.
func Encode(w io.Writer, img *image.Gray16) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// Decode reads a PNG and returns its first channel as 16-bit gray. 8-bit
// inputs are widened by the color model, which would misstate depth, so only
// 16-bit gray images are accepted.
func Decode(r io.Reader) (*image.Gray16, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, err
	}
	switch v := img.(type) {
	case *image.Gray16:
		return v, nil
	case *image.RGBA64, *image.NRGBA64:
		out := image.NewGray16(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, _, _, _ := img.At(x, y).RGBA()
				out.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16{Y: uint16(r)})
			}
		}
		return out, nil
	default:
		return nil, evalerr.Domainf("expected a 16-bit depth PNG, got %T", img)
	}
}

// WriteFile encodes img to path, creating or truncating it.
func WriteFile(path string, img *image.Gray16) error {
	f, err := os.Create(path)
	if err != nil {
		return evalerr.IO("create "+path, err)
	}
	if err := Encode(f, img); err != nil {
		f.Close()
		return evalerr.IO("encode "+path, err)
	}
	if err := f.Close(); err != nil {
		return evalerr.IO("close "+path, err)
	}
	return nil
}

// ReadFile decodes a 16-bit depth PNG from path.
func ReadFile(path string) (*image.Gray16, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, evalerr.NotFoundf("depth image %s", path)
		}
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}
