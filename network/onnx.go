//go:build cgo
// +build cgo

package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/tensor"
)

// Options configures the ONNX Runtime backed network.
type Options struct {
	ORTSharedLibraryPath string
	IntraOpThreads       int
}

// Load opens encoder.onnx and depth.onnx from dir. The returned Network owns
// the ONNX Runtime environment and tears it down on Close.
func Load(dir string, opts Options) (*Network, error) {
	if err := CheckFiles(dir); err != nil {
		return nil, err
	}
	cfg, err := LoadModelConfig(dir)
	if err != nil {
		return nil, err
	}

	if opts.ORTSharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.ORTSharedLibraryPath)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}
	ownsEnv := false
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		ownsEnv = true
	}
	closeEnv := func() {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
	}

	enc, err := openEncoder(filepath.Join(dir, EncoderFile), cfg, opts)
	if err != nil {
		closeEnv()
		return nil, err
	}
	dec, err := openDecoder(filepath.Join(dir, DecoderFile), cfg, opts)
	if err != nil {
		enc.Close()
		closeEnv()
		return nil, err
	}
	n := New(enc, dec, cfg)
	n.closeEnv = closeEnv
	return n, nil
}

func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			so.Destroy()
			return nil, err
		}
	}
	return so, nil
}

func ioNames(path string) (in, out []string, err error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect %s: %w", filepath.Base(path), err)
	}
	for _, i := range ins {
		in = append(in, i.Name)
	}
	for _, o := range outs {
		out = append(out, o.Name)
	}
	return in, out, nil
}

type session struct {
	s       *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func openSession(path string, inputs, outputs []string, opts Options) (*session, error) {
	so, err := sessionOptions(opts)
	if err != nil {
		return nil, err
	}
	defer so.Destroy()
	s, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, so)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return &session{s: s, inputs: inputs, outputs: outputs}, nil
}

// run feeds the batches in input order and copies every output back out.
func (s *session) run(ctx context.Context, in []*tensor.Batch) ([]*tensor.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in) != len(s.inputs) {
		return nil, evalerr.Domainf("session expects %d inputs, got %d", len(s.inputs), len(in))
	}
	values := make([]ort.Value, len(in))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, b := range in {
		t, err := ort.NewTensor(ort.NewShape(b.Shape()...), b.Data)
		if err != nil {
			return nil, err
		}
		values[i] = t
	}
	outs := make([]ort.Value, len(s.outputs))
	if err := s.s.Run(values, outs); err != nil {
		return nil, err
	}
	result := make([]*tensor.Batch, len(outs))
	for i, v := range outs {
		b, err := toBatch(v)
		v.Destroy()
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", s.outputs[i], err)
		}
		result[i] = b
	}
	return result, nil
}

func toBatch(v ort.Value) (*tensor.Batch, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, evalerr.Domainf("unexpected output type %T", v)
	}
	shape := t.GetShape()
	dims := [4]int{1, 1, 1, 1}
	if len(shape) > 4 || len(shape) == 0 {
		return nil, evalerr.Domainf("unsupported output rank %d", len(shape))
	}
	// Right-align so [N,H,W] becomes [N,1,H,W].
	if len(shape) == 3 {
		dims = [4]int{int(shape[0]), 1, int(shape[1]), int(shape[2])}
	} else {
		for i, d := range shape {
			dims[4-len(shape)+i] = int(d)
		}
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	b := &tensor.Batch{N: dims[0], C: dims[1], H: dims[2], W: dims[3], Data: data}
	return b, b.Validate()
}

type onnxEncoder struct{ sess *session }

func openEncoder(path string, cfg ModelConfig, opts Options) (*onnxEncoder, error) {
	in, out, err := ioNames(path)
	if err != nil {
		return nil, err
	}
	if cfg.InputName != "" {
		in = []string{cfg.InputName}
	}
	if len(cfg.FeatureNames) > 0 {
		out = cfg.FeatureNames
	}
	if len(in) != 1 {
		return nil, evalerr.Configf("encoder must have exactly one input, found %v", in)
	}
	s, err := openSession(path, in, out, opts)
	if err != nil {
		return nil, err
	}
	return &onnxEncoder{sess: s}, nil
}

func (e *onnxEncoder) Encode(ctx context.Context, images *tensor.Batch) (Features, error) {
	outs, err := e.sess.run(ctx, []*tensor.Batch{images})
	if err != nil {
		return nil, err
	}
	return Features(outs), nil
}

func (e *onnxEncoder) Close() error { return e.sess.s.Destroy() }

type onnxDecoder struct {
	sess *session
	keys []OutputKey
}

func openDecoder(path string, cfg ModelConfig, opts Options) (*onnxDecoder, error) {
	in, out, err := ioNames(path)
	if err != nil {
		return nil, err
	}
	keys := make([]OutputKey, len(out))
	for i, name := range out {
		keys[i] = ParseOutputKey(name)
		if cfg.DispOutput != "" && name == cfg.DispOutput {
			keys[i] = DispKey
		}
	}
	s, err := openSession(path, in, out, opts)
	if err != nil {
		return nil, err
	}
	return &onnxDecoder{sess: s, keys: keys}, nil
}

func (d *onnxDecoder) Decode(ctx context.Context, features Features) (Outputs, error) {
	outs, err := d.sess.run(ctx, features)
	if err != nil {
		return nil, err
	}
	res := make(Outputs, len(outs))
	for i, b := range outs {
		res[d.keys[i]] = b
	}
	return res, nil
}

func (d *onnxDecoder) Close() error { return d.sess.s.Destroy() }
