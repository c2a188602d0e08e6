// Package pipeline drives a whole run: Predictor turns a manifest into saved
// 16-bit depth maps, Evaluator scores saved depth maps against ground truth.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/export"
	"github.com/stevecastle/depthkit/postprocess"
	"github.com/stevecastle/depthkit/quantize"
	"github.com/stevecastle/depthkit/telemetry"
	"github.com/stevecastle/depthkit/tensor"
)

// State is the lifecycle position of a Predictor.
type State int

const (
	StateInit State = iota
	StateLoadingModel
	StateIterating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoadingModel:
		return "loading_model"
	case StateIterating:
		return "iterating_batches"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ImageSource produces network input for a slice of examples.
type ImageSource interface {
	LoadBatch(ctx context.Context, examples []dataset.Example) (*tensor.Batch, error)
}

// Model returns one single-channel sigmoid disparity map per input image.
type Model interface {
	Predict(ctx context.Context, images *tensor.Batch) (*tensor.Batch, error)
	Close() error
}

// ModelLoader opens the model once the configuration has been validated.
type ModelLoader func(ctx context.Context) (Model, error)

// PredictorConfig holds everything that shapes the saved depth maps.
type PredictorConfig struct {
	Mode         calib.Mode
	Scales       calib.Scales
	Range        calib.Range
	Bounds       quantize.Bounds
	PostProcess  bool
	OutputWidth  int
	OutputHeight int
	Resize       depthmap.ResizeMethod
	BatchSize    int
}

// Validate checks the configuration before any work is done.
func (c PredictorConfig) Validate() error {
	if c.Mode != calib.Mono && c.Mode != calib.Stereo {
		return evalerr.Configf("please choose mono or stereo evaluation by setting either --eval-mono or --eval-stereo")
	}
	if err := c.Scales.Validate(); err != nil {
		return err
	}
	if err := c.Range.Validate(); err != nil {
		return err
	}
	if err := c.Bounds.Validate(); err != nil {
		return err
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		return evalerr.Configf("invalid output size %dx%d", c.OutputWidth, c.OutputHeight)
	}
	if _, err := depthmap.ParseResizeMethod(string(c.Resize)); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return evalerr.Configf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Result summarizes a finished prediction run.
type Result struct {
	Examples int
	Batches  int
	// Written lists output names in manifest order.
	Written []string
}

// Predictor runs INIT -> LOADING_MODEL -> ITERATING_BATCHES -> DONE. Any
// error moves it to FAILED and ends the run.
type Predictor struct {
	cfg     PredictorConfig
	source  ImageSource
	load    ModelLoader
	sink    export.Sink
	mirror  postprocess.MirrorStage
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	state State
}

// Option customizes a Predictor.
type Option func(*Predictor)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(p *Predictor) { p.logger = l }
}

// WithMetrics records stage timings and errors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Predictor) { p.metrics = m }
}

// NewPredictor wires the run's collaborators.
func NewPredictor(cfg PredictorConfig, source ImageSource, load ModelLoader, sink export.Sink, opts ...Option) *Predictor {
	if cfg.Resize == "" {
		cfg.Resize = depthmap.Bilinear
	}
	p := &Predictor{
		cfg:    cfg,
		source: source,
		load:   load,
		sink:   sink,
		mirror: postprocess.MirrorStage{Enabled: cfg.PostProcess},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State reports where the predictor is in its lifecycle.
func (p *Predictor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Predictor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger.Debug("predictor state", "state", s.String())
}

func (p *Predictor) fail(component string, err error) error {
	p.metrics.RecordError(component, err)
	p.setState(StateFailed)
	return err
}

// Run processes every example in order. Batches run one after another; the
// outputs of a batch are written in example order before the next batch
// starts.
func (p *Predictor) Run(ctx context.Context, examples []dataset.Example) (Result, error) {
	var res Result
	p.setState(StateInit)
	if err := p.cfg.Validate(); err != nil {
		return res, p.fail("config", err)
	}
	if len(examples) == 0 {
		return res, p.fail("config", evalerr.NotFoundf("no examples to predict"))
	}
	if err := checkOutputNames(examples); err != nil {
		return res, p.fail("config", err)
	}

	p.setState(StateLoadingModel)
	model, err := p.load(ctx)
	if err != nil {
		return res, p.fail("model", err)
	}
	defer func() {
		if cerr := model.Close(); cerr != nil {
			p.logger.Warn("failed to release model", "error", cerr)
		}
	}()

	p.setState(StateIterating)
	for _, batch := range dataset.Batches(examples, p.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return res, p.fail("run", err)
		}
		names, err := p.runBatch(ctx, model, batch)
		res.Written = append(res.Written, names...)
		res.Examples += len(names)
		if err != nil {
			return res, err
		}
		res.Batches++
		p.metrics.RecordBatch()
		p.logger.Debug("batch done", "batch", res.Batches, "examples", res.Examples)
	}
	p.setState(StateDone)
	return res, nil
}

func (p *Predictor) runBatch(ctx context.Context, model Model, batch []dataset.Example) ([]string, error) {
	start := time.Now()
	images, err := p.source.LoadBatch(ctx, batch)
	if err != nil {
		return nil, p.fail(telemetry.StageLoad, err)
	}
	p.metrics.ObserveStage(telemetry.StageLoad, len(batch), time.Since(start))

	start = time.Now()
	input, err := p.mirror.Expand(images)
	if err != nil {
		return nil, p.fail(telemetry.StageInfer, err)
	}
	disp, err := model.Predict(ctx, input)
	if err != nil {
		return nil, p.fail(telemetry.StageInfer, err)
	}
	p.metrics.ObserveStage(telemetry.StageInfer, len(batch), time.Since(start))

	start = time.Now()
	imgs, err := p.DepthImages(disp)
	if err != nil {
		return nil, p.fail(telemetry.StagePost, err)
	}
	if len(imgs) != len(batch) {
		return nil, p.fail(telemetry.StagePost, evalerr.Domainf("got %d depth maps for %d examples", len(imgs), len(batch)))
	}
	p.metrics.ObserveStage(telemetry.StagePost, len(batch), time.Since(start))

	start = time.Now()
	written := make([]string, 0, len(batch))
	for i, ex := range batch {
		if err := ctx.Err(); err != nil {
			return written, p.fail(telemetry.StageWrite, err)
		}
		name := export.OutputName(ex)
		if err := p.sink.Put(ctx, name, imgs[i]); err != nil {
			return written, p.fail(telemetry.StageWrite, err)
		}
		written = append(written, name)
	}
	p.metrics.ObserveStage(telemetry.StageWrite, len(batch), time.Since(start))
	return written, nil
}

// DepthImages converts raw network output into quantized depth: sigmoid to
// disparity, optional mirror blend, resize to the output raster, calibrate,
// clip and quantize. disp holds 2N items when post-processing is on.
func (p *Predictor) DepthImages(disp *tensor.Batch) ([]*image.Gray16, error) {
	maps, err := disp.Maps()
	if err != nil {
		return nil, err
	}
	for i, m := range maps {
		if maps[i], err = p.cfg.Range.ScaleMap(m); err != nil {
			return nil, err
		}
	}
	maps, err = p.mirror.Collapse(maps)
	if err != nil {
		return nil, err
	}
	out := make([]*image.Gray16, len(maps))
	for i, m := range maps {
		img, err := p.DepthImage(m)
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	return out, nil
}

// DepthImage resizes one disparity map to the output raster, calibrates it
// and quantizes the resulting depth.
func (p *Predictor) DepthImage(disp *depthmap.Map) (*image.Gray16, error) {
	resized, err := disp.Resize(p.cfg.OutputWidth, p.cfg.OutputHeight, p.cfg.Resize)
	if err != nil {
		return nil, err
	}
	depth, err := p.cfg.Scales.CalibrateMap(resized, p.cfg.Mode)
	if err != nil {
		return nil, err
	}
	return p.cfg.Bounds.Quantize(depth)
}

// checkOutputNames rejects manifests where two examples would be saved under
// the same file name. Output names ignore the folder, so "a x" and "b x"
// collide.
func checkOutputNames(examples []dataset.Example) error {
	seen := make(map[string]dataset.Example, len(examples))
	for _, ex := range examples {
		name := export.OutputName(ex)
		if prev, ok := seen[name]; ok {
			return evalerr.Configf("examples %s/%s and %s/%s both write %s", prev.Dir, prev.Name, ex.Dir, ex.Name, name)
		}
		seen[name] = ex
	}
	return nil
}
