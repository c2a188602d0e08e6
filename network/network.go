// Package network runs the two-stage depth model: an encoder that turns an
// image batch into multi-scale features and a decoder that turns those
// features into sigmoid disparity maps keyed by (name, scale).
package network

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/tensor"
)

// ErrCGORequired is returned when inference is attempted without CGO support.
var ErrCGORequired = errors.New("network inference requires CGO support; rebuild with CGO_ENABLED=1")

// OutputKey identifies one decoder output.
type OutputKey struct {
	Name  string
	Scale int
}

func (k OutputKey) String() string { return fmt.Sprintf("(%s, %d)", k.Name, k.Scale) }

// DispKey is the full-resolution disparity output.
var DispKey = OutputKey{Name: "disp", Scale: 0}

// Features are the encoder activations, finest first.
type Features []*tensor.Batch

// Outputs maps decoder output keys to their tensors.
type Outputs map[OutputKey]*tensor.Batch

// Encoder produces features for a normalized NCHW RGB batch.
type Encoder interface {
	Encode(ctx context.Context, images *tensor.Batch) (Features, error)
	Close() error
}

// Decoder turns encoder features into disparity outputs.
type Decoder interface {
	Decode(ctx context.Context, features Features) (Outputs, error)
	Close() error
}

// Network pairs an encoder with its decoder.
type Network struct {
	Encoder Encoder
	Decoder Decoder
	Config  ModelConfig

	closeEnv func()
}

// New wraps an already-built encoder and decoder.
func New(enc Encoder, dec Decoder, cfg ModelConfig) *Network {
	return &Network{Encoder: enc, Decoder: dec, Config: cfg}
}

// Predict runs both stages and returns the ("disp", 0) output. The result
// holds one single-channel map per input item, in input order.
func (n *Network) Predict(ctx context.Context, images *tensor.Batch) (*tensor.Batch, error) {
	if err := images.Validate(); err != nil {
		return nil, err
	}
	feats, err := n.Encoder.Encode(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	outs, err := n.Decoder.Decode(ctx, feats)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	disp, ok := outs[DispKey]
	if !ok {
		return nil, evalerr.Domainf("decoder produced no %s output", DispKey)
	}
	if err := disp.Validate(); err != nil {
		return nil, err
	}
	if disp.N != images.N || disp.C != 1 {
		return nil, evalerr.Domainf("disparity shape %v does not match %d inputs", disp.Shape(), images.N)
	}
	return disp, nil
}

// Close releases both stages and, when the network owns it, the runtime.
func (n *Network) Close() error {
	err := errors.Join(n.Encoder.Close(), n.Decoder.Close())
	if n.closeEnv != nil {
		n.closeEnv()
		n.closeEnv = nil
	}
	return err
}

var outputKeyRe = regexp.MustCompile(`^\(?'?"?([A-Za-z]+)'?"?(?:[_,:\s]+)(\d+)\)?$`)

// ParseOutputKey understands exported output names such as "disp_0",
// "disp:1" or "('disp', 2)". Names without a scale suffix map to scale 0.
func ParseOutputKey(name string) OutputKey {
	if m := outputKeyRe.FindStringSubmatch(name); m != nil {
		scale, _ := strconv.Atoi(m[2])
		return OutputKey{Name: m[1], Scale: scale}
	}
	return OutputKey{Name: name}
}
