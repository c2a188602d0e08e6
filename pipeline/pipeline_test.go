package pipeline

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/export"
	"github.com/stevecastle/depthkit/logger"
	"github.com/stevecastle/depthkit/quantize"
	"github.com/stevecastle/depthkit/telemetry"
	"github.com/stevecastle/depthkit/tensor"
)

// fakeSource fills every pixel of item i with the sigmoid value assigned to
// that example's name.
type fakeSource struct {
	w, h   int
	values map[string]float32
	calls  int
}

func (f *fakeSource) LoadBatch(_ context.Context, exs []dataset.Example) (*tensor.Batch, error) {
	f.calls++
	b := tensor.NewBatch(len(exs), 3, f.h, f.w)
	for i, ex := range exs {
		v, ok := f.values[ex.Name]
		if !ok {
			return nil, evalerr.NotFoundf("image %s", ex.Name)
		}
		item := b.Item(i)
		for j := range item {
			item[j] = v
		}
	}
	return b, nil
}

// echoModel predicts the first channel of each input as its disparity.
type echoModel struct {
	inputs []int
	closed bool
}

func (m *echoModel) Predict(_ context.Context, images *tensor.Batch) (*tensor.Batch, error) {
	m.inputs = append(m.inputs, images.N)
	out := tensor.NewBatch(images.N, 1, images.H, images.W)
	plane := images.H * images.W
	for i := 0; i < images.N; i++ {
		copy(out.Item(i), images.Item(i)[:plane])
	}
	return out, nil
}

func (m *echoModel) Close() error {
	m.closed = true
	return nil
}

type memorySink struct {
	names  []string
	images map[string]*image.Gray16
	failAt int
}

func (s *memorySink) Put(_ context.Context, name string, img *image.Gray16) error {
	if s.failAt > 0 && len(s.names)+1 == s.failAt {
		return evalerr.IO("write "+name, errors.New("disk full"))
	}
	if s.images == nil {
		s.images = map[string]*image.Gray16{}
	}
	s.names = append(s.names, name)
	s.images[name] = img
	return nil
}

func testConfig(mode calib.Mode) PredictorConfig {
	return PredictorConfig{
		Mode:         mode,
		Scales:       calib.DefaultScales(),
		Range:        calib.DefaultRange(),
		Bounds:       quantize.DefaultBounds(),
		OutputWidth:  8,
		OutputHeight: 6,
		Resize:       depthmap.Bilinear,
		BatchSize:    2,
	}
}

func loaderFor(m Model) ModelLoader {
	return func(context.Context) (Model, error) { return m, nil }
}

func expectedValue(t *testing.T, cfg PredictorConfig, sigmoid float32) uint16 {
	t.Helper()
	disp := cfg.Range.ScaleDisparity(sigmoid)
	depth, err := cfg.Scales.Calibrate(disp, cfg.Mode)
	require.NoError(t, err)
	v, err := cfg.Bounds.Value(float64(depth))
	require.NoError(t, err)
	return v
}

func assertConstant(t *testing.T, img *image.Gray16, want uint16) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if got := img.Gray16At(x, y).Y; got != want {
				t.Fatalf("pixel (%d,%d) = %d; want %d", x, y, got, want)
			}
		}
	}
}

func TestDepthImageConstantDisparity(t *testing.T) {
	cfg := testConfig(calib.Mono)
	cfg.OutputWidth, cfg.OutputHeight = 4, 4
	p := NewPredictor(cfg, nil, nil, nil)

	img, err := p.DepthImage(depthmap.Filled(4, 4, 2.0))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	assertConstant(t, img, 128)

	cfg.Mode = calib.Stereo
	img, err = NewPredictor(cfg, nil, nil, nil).DepthImage(depthmap.Filled(4, 4, 2.0))
	require.NoError(t, err)
	assertConstant(t, img, 691) // round(2.7 * 256)
}

func TestDepthImageRejectsZeroDisparity(t *testing.T) {
	p := NewPredictor(testConfig(calib.Mono), nil, nil, nil)
	_, err := p.DepthImage(depthmap.New(4, 4))
	assert.True(t, errors.Is(err, evalerr.ErrNumericDomain), "got %v", err)
}

func examples(names ...string) []dataset.Example {
	out := make([]dataset.Example, len(names))
	for i, n := range names {
		out[i] = dataset.Example{Index: i, Dir: "seq", Name: n}
	}
	return out
}

func TestPredictorRunWritesInManifestOrder(t *testing.T) {
	cfg := testConfig(calib.Mono)
	src := &fakeSource{w: 4, h: 2, values: map[string]float32{"c": 0.2, "a": 0.05, "b": 0.6}}
	model := &echoModel{}
	sink := &memorySink{}
	metrics := telemetry.New("mono")
	p := NewPredictor(cfg, src, loaderFor(model), sink, WithLogger(logger.Discard()), WithMetrics(metrics))

	res, err := p.Run(context.Background(), examples("c", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, p.State())
	assert.Equal(t, 3, res.Examples)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, []string{"img_cus.png", "img_aus.png", "img_bus.png"}, res.Written)
	assert.Equal(t, res.Written, sink.names)
	assert.Equal(t, []int{2, 1}, model.inputs)
	assert.True(t, model.closed)

	for name, s := range map[string]float32{"c": 0.2, "a": 0.05, "b": 0.6} {
		img := sink.images["img_"+name+"us.png"]
		require.NotNil(t, img)
		assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
		assertConstant(t, img, expectedValue(t, cfg, s))
	}
}

func TestPredictorPostProcessDoublesBatch(t *testing.T) {
	cfg := testConfig(calib.Stereo)
	cfg.PostProcess = true
	src := &fakeSource{w: 5, h: 3, values: map[string]float32{"x": 0.3, "y": 0.7}}
	model := &echoModel{}
	sink := &memorySink{}
	p := NewPredictor(cfg, src, loaderFor(model), sink, WithLogger(logger.Discard()))

	res, err := p.Run(context.Background(), examples("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, model.inputs, "mirrored batch should carry 2N images")
	assert.Len(t, res.Written, 2)
	// Blending a constant map with its own mirror leaves it unchanged.
	assertConstant(t, sink.images["img_xus.png"], expectedValue(t, cfg, 0.3))
	assertConstant(t, sink.images["img_yus.png"], expectedValue(t, cfg, 0.7))
}

func TestPredictorInvalidConfig(t *testing.T) {
	cfg := testConfig(0)
	loaded := false
	load := func(context.Context) (Model, error) {
		loaded = true
		return &echoModel{}, nil
	}
	p := NewPredictor(cfg, &fakeSource{}, load, &memorySink{}, WithLogger(logger.Discard()))
	_, err := p.Run(context.Background(), examples("a"))
	assert.True(t, errors.Is(err, evalerr.ErrConfiguration), "got %v", err)
	assert.Equal(t, StateFailed, p.State())
	assert.False(t, loaded, "model must not load before the configuration is valid")
}

func TestPredictorRejectsCollidingOutputNames(t *testing.T) {
	loaded := false
	load := func(context.Context) (Model, error) {
		loaded = true
		return &echoModel{}, nil
	}
	src := &fakeSource{w: 2, h: 2, values: map[string]float32{"x": 0.5}}
	exs := []dataset.Example{{Index: 0, Dir: "a", Name: "x"}, {Index: 1, Dir: "b", Name: "x"}}
	p := NewPredictor(testConfig(calib.Mono), src, load, &memorySink{}, WithLogger(logger.Discard()))

	_, err := p.Run(context.Background(), exs)
	assert.True(t, errors.Is(err, evalerr.ErrConfiguration), "got %v", err)
	assert.Contains(t, err.Error(), "img_xus.png")
	assert.Equal(t, StateFailed, p.State())
	assert.False(t, loaded, "model must not load when outputs would overwrite each other")
	assert.Equal(t, 0, src.calls)
}

func TestPredictorMissingWeights(t *testing.T) {
	load := func(context.Context) (Model, error) {
		return nil, evalerr.NotFoundf("cannot find a folder at /nope")
	}
	p := NewPredictor(testConfig(calib.Mono), &fakeSource{}, load, &memorySink{}, WithLogger(logger.Discard()))
	_, err := p.Run(context.Background(), examples("a"))
	assert.True(t, errors.Is(err, evalerr.ErrNotFound), "got %v", err)
	assert.Equal(t, StateFailed, p.State())
}

func TestPredictorWriteFailureAborts(t *testing.T) {
	src := &fakeSource{w: 2, h: 2, values: map[string]float32{"a": 0.5, "b": 0.5, "c": 0.5}}
	sink := &memorySink{failAt: 2}
	cfg := testConfig(calib.Mono)
	cfg.BatchSize = 1
	p := NewPredictor(cfg, src, loaderFor(&echoModel{}), sink, WithLogger(logger.Discard()))

	res, err := p.Run(context.Background(), examples("a", "b", "c"))
	assert.True(t, errors.Is(err, evalerr.ErrIO), "got %v", err)
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, []string{"img_aus.png"}, res.Written)
	assert.Equal(t, 2, src.calls, "no batch may be loaded after a failed write")
}

func TestPredictorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{w: 2, h: 2, values: map[string]float32{"a": 0.5}}
	p := NewPredictor(testConfig(calib.Mono), src, loaderFor(&echoModel{}), &memorySink{}, WithLogger(logger.Discard()))
	_, err := p.Run(ctx, examples("a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, src.calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "iterating_batches", StateIterating.String())
	assert.Equal(t, "failed", StateFailed.String())
}

// writeDepth stores a depth map as a quantized PNG.
func writeDepth(t *testing.T, path string, m *depthmap.Map) {
	t.Helper()
	img, err := quantize.Bounds{MinDepth: 0, MaxDepth: 255}.Quantize(m)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, quantize.WriteFile(path, img))
}

func evalFixture(t *testing.T, gt, pred *depthmap.Map) EvaluatorConfig {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultEvaluatorConfig(calib.Mono)
	cfg.GTDir = filepath.Join(root, "gt")
	cfg.PredDir = filepath.Join(root, "pred")
	ex := dataset.Example{Dir: "seq", Name: "0001"}
	writeDepth(t, filepath.Join(cfg.GTDir, "seq", "0001.png"), gt)
	if pred != nil {
		writeDepth(t, filepath.Join(cfg.PredDir, export.OutputName(ex)), pred)
	}
	return cfg
}

func TestEvaluatorPerfectPrediction(t *testing.T) {
	gt, _ := depthmap.FromRows([][]float32{{2, 4, 8}, {16, 0, 32}})
	cfg := evalFixture(t, gt, gt)
	cfg.Mode = calib.Stereo
	res, err := NewEvaluator(cfg, logger.Discard(), nil).Evaluate(context.Background(), examples("0001"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Mean.AbsRel)
	assert.Equal(t, 1.0, res.Mean.A1)
	assert.Nil(t, res.Ratios, "stereo runs are not median scaled")
}

func TestEvaluatorMedianScaling(t *testing.T) {
	gt, _ := depthmap.FromRows([][]float32{{2, 4}, {8, 16}})
	pred, _ := depthmap.FromRows([][]float32{{1, 2}, {4, 8}})
	cfg := evalFixture(t, gt, pred)
	metrics := telemetry.New("mono")

	res, err := NewEvaluator(cfg, logger.Discard(), metrics).Evaluate(context.Background(), examples("0001"))
	require.NoError(t, err)
	require.NotNil(t, res.Ratios)
	assert.Equal(t, 2.0, res.Ratios.Median)
	assert.Equal(t, 2.0, res.PerExample[0].Ratio)
	assert.InDelta(t, 0, res.Mean.AbsRel, 1e-12)
	assert.Equal(t, []float64{res.Mean.AbsRel}, res.AbsRels())

	cfg.DisableMedianScaling = true
	res, err = NewEvaluator(cfg, logger.Discard(), nil).Evaluate(context.Background(), examples("0001"))
	require.NoError(t, err)
	assert.Nil(t, res.Ratios)
	assert.InDelta(t, 0.5, res.Mean.AbsRel, 1e-12)
}

func TestEvaluatorDottedTimestamps(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultEvaluatorConfig(calib.Mono)
	cfg.GTDir = filepath.Join(root, "gt")
	cfg.PredDir = filepath.Join(root, "pred")
	exs := examples("1303398474.779439", "1303398474.812345")
	ev := NewEvaluator(cfg, logger.Discard(), nil)

	assert.Equal(t, filepath.Join(cfg.GTDir, "seq", "1303398474.779439.png"), ev.GroundTruthPath(exs[0]))
	assert.NotEqual(t, ev.PredictionPath(exs[0]), ev.PredictionPath(exs[1]))

	gtA, _ := depthmap.FromRows([][]float32{{2, 4}})
	predA, _ := depthmap.FromRows([][]float32{{1, 2}})
	gtB, _ := depthmap.FromRows([][]float32{{3, 6}})
	predB, _ := depthmap.FromRows([][]float32{{1, 2}})
	writeDepth(t, ev.GroundTruthPath(exs[0]), gtA)
	writeDepth(t, ev.PredictionPath(exs[0]), predA)
	writeDepth(t, ev.GroundTruthPath(exs[1]), gtB)
	writeDepth(t, ev.PredictionPath(exs[1]), predB)

	res, err := ev.Evaluate(context.Background(), exs)
	require.NoError(t, err)
	require.Len(t, res.PerExample, 2)
	assert.Equal(t, 2.0, res.PerExample[0].Ratio)
	assert.Equal(t, 3.0, res.PerExample[1].Ratio)
}

func TestEvaluatorResizesPrediction(t *testing.T) {
	gt := depthmap.Filled(8, 4, 10)
	pred := depthmap.Filled(4, 2, 10)
	cfg := evalFixture(t, gt, pred)
	res, err := NewEvaluator(cfg, logger.Discard(), nil).Evaluate(context.Background(), examples("0001"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Mean.A1)
}

func TestEvaluatorMissingPrediction(t *testing.T) {
	cfg := evalFixture(t, depthmap.Filled(2, 2, 5), nil)
	_, err := NewEvaluator(cfg, logger.Discard(), nil).Evaluate(context.Background(), examples("0001"))
	assert.True(t, errors.Is(err, evalerr.ErrNotFound), "got %v", err)
}

func TestEvaluatorNoValidPixels(t *testing.T) {
	cfg := evalFixture(t, depthmap.New(2, 2), depthmap.Filled(2, 2, 5))
	_, err := NewEvaluator(cfg, logger.Discard(), nil).Evaluate(context.Background(), examples("0001"))
	assert.True(t, errors.Is(err, evalerr.ErrNumericDomain), "got %v", err)
}

func TestEvaluatorConfigValidate(t *testing.T) {
	cfg := DefaultEvaluatorConfig(calib.Mono)
	assert.True(t, errors.Is(cfg.Validate(), evalerr.ErrConfiguration), "missing dirs")
	cfg.GTDir, cfg.PredDir = "gt", "pred"
	assert.NoError(t, cfg.Validate())
	cfg.Mode = 0
	assert.True(t, errors.Is(cfg.Validate(), evalerr.ErrConfiguration))
}
