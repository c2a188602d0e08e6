// Package tensor is a minimal NCHW float32 batch used to move images into the
// network and disparity maps out of it.
package tensor

import (
	"fmt"

	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
)

// Batch is a dense NCHW float32 tensor.
type Batch struct {
	N, C, H, W int
	Data       []float32
}

// NewBatch allocates a zeroed batch.
func NewBatch(n, c, h, w int) *Batch {
	return &Batch{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// Shape returns the dimensions as int64, ready for an ORT shape.
func (b *Batch) Shape() []int64 {
	return []int64{int64(b.N), int64(b.C), int64(b.H), int64(b.W)}
}

func (b *Batch) itemLen() int { return b.C * b.H * b.W }

// Item returns the backing slice of the i-th item.
func (b *Batch) Item(i int) []float32 {
	n := b.itemLen()
	return b.Data[i*n : (i+1)*n]
}

// Validate checks that the dimensions agree with the data length.
func (b *Batch) Validate() error {
	if b == nil {
		return evalerr.Domainf("nil batch")
	}
	if b.N <= 0 || b.C <= 0 || b.H <= 0 || b.W <= 0 {
		return evalerr.Domainf("invalid batch shape %v", b.Shape())
	}
	if len(b.Data) != b.N*b.itemLen() {
		return evalerr.Domainf("batch shape %v does not match %d values", b.Shape(), len(b.Data))
	}
	return nil
}

// FlipW returns a copy mirrored along the width axis.
func (b *Batch) FlipW() *Batch {
	out := NewBatch(b.N, b.C, b.H, b.W)
	planes := b.N * b.C * b.H
	for p := 0; p < planes; p++ {
		src := b.Data[p*b.W : (p+1)*b.W]
		dst := out.Data[p*b.W : (p+1)*b.W]
		for x := range src {
			dst[b.W-1-x] = src[x]
		}
	}
	return out
}

// Concat stacks batches along N. All inputs must share C, H and W.
func Concat(bs ...*Batch) (*Batch, error) {
	if len(bs) == 0 {
		return nil, evalerr.Domainf("nothing to concatenate")
	}
	first := bs[0]
	n := 0
	for _, b := range bs {
		if b.C != first.C || b.H != first.H || b.W != first.W {
			return nil, evalerr.Domainf("cannot concatenate %v with %v", b.Shape(), first.Shape())
		}
		n += b.N
	}
	out := &Batch{N: n, C: first.C, H: first.H, W: first.W, Data: make([]float32, 0, n*first.itemLen())}
	for _, b := range bs {
		out.Data = append(out.Data, b.Data...)
	}
	return out, nil
}

// Maps splits a single-channel batch into one depthmap.Map per item.
func (b *Batch) Maps() ([]*depthmap.Map, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.C != 1 {
		return nil, evalerr.Domainf("expected a single-channel batch, got %d channels", b.C)
	}
	out := make([]*depthmap.Map, b.N)
	for i := range out {
		m := depthmap.New(b.W, b.H)
		copy(m.Pix, b.Item(i))
		out[i] = m
	}
	return out, nil
}

func (b *Batch) String() string {
	return fmt.Sprintf("tensor.Batch%v", b.Shape())
}
