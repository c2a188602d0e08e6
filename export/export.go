// Package export persists quantized depth maps, locally and optionally to
// S3-compatible object storage.
package export

import (
	"context"
	"image"
	"os"
	"path/filepath"

	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/quantize"
)

// OutputName returns the file name a prediction is saved under:
// "img_" + name + "us.png". The identifier is used verbatim, so dotted
// timestamps such as "1303398474.779439" keep their fractional part.
func OutputName(ex dataset.Example) string {
	return "img_" + ex.Name + "us.png"
}

// Sink receives encoded depth maps by file name.
type Sink interface {
	Put(ctx context.Context, name string, img *image.Gray16) error
}

// DirSink writes PNGs into a local directory.
type DirSink struct {
	Dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, evalerr.IO("create output directory "+dir, err)
	}
	return &DirSink{Dir: dir}, nil
}

// Path returns where name is written.
func (d *DirSink) Path(name string) string {
	return filepath.Join(d.Dir, name)
}

func (d *DirSink) Put(ctx context.Context, name string, img *image.Gray16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return quantize.WriteFile(d.Path(name), img)
}

// MultiSink fans every Put out to each sink in order and stops at the first
// failure.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, name string, img *image.Gray16) error {
	for _, s := range m {
		if err := s.Put(ctx, name, img); err != nil {
			return err
		}
	}
	return nil
}
