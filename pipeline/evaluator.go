package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/export"
	"github.com/stevecastle/depthkit/quantize"
	"github.com/stevecastle/depthkit/scoring"
	"github.com/stevecastle/depthkit/telemetry"
)

// EvaluatorConfig controls how saved predictions are scored.
type EvaluatorConfig struct {
	Mode calib.Mode
	// Ground truth outside (MinDepth, MaxDepth) is ignored; predictions are
	// clipped to [MinDepth, MaxDepth].
	MinDepth float64
	MaxDepth float64
	// DisableMedianScaling turns off per-image median scaling in mono mode.
	// Stereo predictions are never median scaled.
	DisableMedianScaling bool
	PredDir              string
	GTDir                string
}

// DefaultEvaluatorConfig uses the 1e-3..80 evaluation range.
func DefaultEvaluatorConfig(mode calib.Mode) EvaluatorConfig {
	return EvaluatorConfig{Mode: mode, MinDepth: 1e-3, MaxDepth: 80}
}

// Validate checks the configuration.
func (c EvaluatorConfig) Validate() error {
	if c.Mode != calib.Mono && c.Mode != calib.Stereo {
		return evalerr.Configf("please choose mono or stereo evaluation by setting either --eval-mono or --eval-stereo")
	}
	if c.MinDepth < 0 || !(c.MinDepth < c.MaxDepth) {
		return evalerr.Configf("invalid evaluation depth range [%g, %g]", c.MinDepth, c.MaxDepth)
	}
	if c.PredDir == "" || c.GTDir == "" {
		return evalerr.Configf("evaluation needs both a prediction and a ground-truth directory")
	}
	return nil
}

// MedianScaling reports whether predictions are rescaled per image.
func (c EvaluatorConfig) MedianScaling() bool {
	return c.Mode == calib.Mono && !c.DisableMedianScaling
}

// ExampleScore is the score of one example.
type ExampleScore struct {
	Example dataset.Example
	// Ratio is the median scaling factor, 0 when scaling is off.
	Ratio  float64
	Report scoring.Report
}

// EvalResult is the outcome of an evaluation run.
type EvalResult struct {
	Mean       scoring.Report
	PerExample []ExampleScore
	// Ratios is set only when median scaling was applied.
	Ratios *scoring.RatioSummary
}

// AbsRels returns the per-example abs_rel values in manifest order.
func (r EvalResult) AbsRels() []float64 {
	out := make([]float64, len(r.PerExample))
	for i, s := range r.PerExample {
		out[i] = s.Report.AbsRel
	}
	return out
}

// Evaluator scores saved predictions against 16-bit ground truth.
type Evaluator struct {
	cfg     EvaluatorConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewEvaluator returns an Evaluator. logger and metrics may be nil.
func NewEvaluator(cfg EvaluatorConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{cfg: cfg, logger: logger, metrics: metrics}
}

// GroundTruthPath is <GTDir>/<dir>/<name>.png.
func (e *Evaluator) GroundTruthPath(ex dataset.Example) string {
	return filepath.Join(e.cfg.GTDir, ex.Dir, ex.Name+".png")
}

// PredictionPath is <PredDir>/img_<name>us.png.
func (e *Evaluator) PredictionPath(ex dataset.Example) string {
	return filepath.Join(e.cfg.PredDir, export.OutputName(ex))
}

// Evaluate scores every example in order and averages the reports. The first
// failing example aborts the run.
func (e *Evaluator) Evaluate(ctx context.Context, examples []dataset.Example) (EvalResult, error) {
	var res EvalResult
	if err := e.cfg.Validate(); err != nil {
		e.metrics.RecordError("config", err)
		return res, err
	}
	if len(examples) == 0 {
		return res, evalerr.NotFoundf("no examples to evaluate")
	}
	start := time.Now()
	var ratios []float64
	reports := make([]scoring.Report, 0, len(examples))
	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		score, err := e.ScoreExample(ex)
		if err != nil {
			e.metrics.RecordError(telemetry.StageEvaluate, err)
			return res, err
		}
		res.PerExample = append(res.PerExample, score)
		reports = append(reports, score.Report)
		if e.cfg.MedianScaling() {
			ratios = append(ratios, score.Ratio)
		}
	}
	mean, err := scoring.Aggregate(reports)
	if err != nil {
		return res, err
	}
	res.Mean = mean
	if len(ratios) > 0 {
		s := scoring.SummarizeRatios(ratios)
		res.Ratios = &s
	}
	e.metrics.ObserveStage(telemetry.StageEvaluate, len(examples), time.Since(start))
	e.metrics.SetAbsRel(mean.AbsRel)
	e.logger.Debug("evaluation done", "examples", len(examples), "abs_rel", mean.AbsRel)
	return res, nil
}

// ScoreExample loads one prediction and its ground truth and computes the
// error report over valid ground-truth pixels.
func (e *Evaluator) ScoreExample(ex dataset.Example) (ExampleScore, error) {
	score := ExampleScore{Example: ex}
	gtImg, err := quantize.ReadFile(e.GroundTruthPath(ex))
	if err != nil {
		return score, err
	}
	predImg, err := quantize.ReadFile(e.PredictionPath(ex))
	if err != nil {
		return score, err
	}
	gt := quantize.Dequantize(gtImg)
	pred := quantize.Dequantize(predImg)
	if !pred.SameShape(gt) {
		if pred, err = pred.Resize(gt.Width, gt.Height, depthmap.Bilinear); err != nil {
			return score, err
		}
	}

	g, p, err := scoring.Mask(gt.Float64s(), pred.Float64s(), e.cfg.MinDepth, e.cfg.MaxDepth)
	if err != nil {
		return score, err
	}
	if len(g) == 0 {
		return score, evalerr.Domainf("%s has no valid ground-truth pixels", ex.ID())
	}
	if e.cfg.MedianScaling() {
		if score.Ratio, err = scoring.MedianScale(g, p); err != nil {
			return score, err
		}
	}
	scoring.Clip(p, e.cfg.MinDepth, e.cfg.MaxDepth)
	score.Report, err = scoring.ComputeErrors(g, p)
	return score, err
}
