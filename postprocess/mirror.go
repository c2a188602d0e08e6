package postprocess

import (
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/tensor"
)

// MirrorStage wraps inference when post-processing is enabled.
//
// Expand doubles the batch: items [0,N) are the inputs, items [N,2N) their
// horizontal mirrors. Collapse takes the 2N disparity maps predicted for that
// batch, flips the second half back and blends pair i with pair N+i, returning
// N maps in input order.
type MirrorStage struct {
	Enabled bool
}

// Expand returns the batch to send to the network.
func (s MirrorStage) Expand(images *tensor.Batch) (*tensor.Batch, error) {
	if err := images.Validate(); err != nil {
		return nil, err
	}
	if !s.Enabled {
		return images, nil
	}
	return tensor.Concat(images, images.FlipW())
}

// Collapse reduces the network output back to one map per input image.
func (s MirrorStage) Collapse(disps []*depthmap.Map) ([]*depthmap.Map, error) {
	if !s.Enabled {
		return disps, nil
	}
	if len(disps)%2 != 0 {
		return nil, evalerr.Domainf("mirrored batch must have an even size, got %d", len(disps))
	}
	n := len(disps) / 2
	unflipped := make([]*depthmap.Map, n)
	for i, d := range disps[n:] {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		unflipped[i] = d.FlipHorizontal()
	}
	return BlendBatch(disps[:n], unflipped)
}
