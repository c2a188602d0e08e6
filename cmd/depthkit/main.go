// Command depthkit exports calibrated 16-bit depth maps from a monocular
// depth network and scores saved depth maps against ground truth.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stevecastle/depthkit/appconfig"
	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/export"
	"github.com/stevecastle/depthkit/logger"
	"github.com/stevecastle/depthkit/network"
	"github.com/stevecastle/depthkit/pipeline"
	"github.com/stevecastle/depthkit/platform"
	"github.com/stevecastle/depthkit/report"
	"github.com/stevecastle/depthkit/scoring"
	"github.com/stevecastle/depthkit/store"
	"github.com/stevecastle/depthkit/telemetry"
)

var version = "dev"

const usage = `usage: depthkit <command> [flags]

commands:
  predict    run the network over a split and save 16-bit depth maps
  evaluate   score saved depth maps against ground truth
  runs       list recent runs
  version    print the version
`

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// runCLI executes one command and returns the process exit code.
func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "predict":
		err = runPredict(ctx, args[1:], stdout, stderr)
	case "evaluate":
		err = runEvaluate(ctx, args[1:], stdout, stderr)
	case "runs":
		err = runRuns(ctx, args[1:], stdout, stderr)
	case "version", "--version", "-version":
		fmt.Fprintf(stdout, "depthkit %s\n", version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return evalerr.ExitCode(err)
	}
	return 0
}

// options is the parsed command line of predict and evaluate.
type options struct {
	cfg        appconfig.Config
	mode       calib.Mode
	configPath string
	logger     *slog.Logger
}

// configPathFromArgs finds --config before the full flag set exists, so that
// the file can provide the defaults the remaining flags override.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parseOptions(name string, args []string, stderr io.Writer) (*options, error) {
	cfg, path, err := appconfig.Load(configPathFromArgs(args))
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("depthkit "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", path, "path to config.json")
	evalMono := fs.Bool("eval-mono", false, "evaluate a monocular model (scale 1.0, median scaling)")
	evalStereo := fs.Bool("eval-stereo", false, "evaluate a stereo model (scale 5.4, no median scaling)")
	appconfig.BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, evalerr.Configf("%v", err)
	}
	if fs.NArg() > 0 {
		return nil, evalerr.Configf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	mode, err := resolveMode(*evalMono, *evalStereo, cfg.Mode)
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode.String()

	log, err := logger.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	log.Debug("configuration loaded", "path", path, "mode", cfg.Mode)
	return &options{cfg: cfg, mode: mode, configPath: path, logger: log}, nil
}

// resolveMode prefers the command-line switches and falls back to the
// configured mode.
func resolveMode(mono, stereo bool, configured string) (calib.Mode, error) {
	if mono || stereo {
		return calib.SelectMode(mono, stereo)
	}
	if configured != "" {
		return calib.ParseMode(configured)
	}
	return calib.SelectMode(false, false)
}

func startMetrics(o *options) (*telemetry.Metrics, func()) {
	m := telemetry.New(o.mode.String())
	if o.cfg.MetricsAddr == "" {
		return m, func() {}
	}
	srv, err := telemetry.Serve(o.cfg.MetricsAddr, m, o.logger)
	if err != nil {
		o.logger.Warn("metrics listener disabled", "addr", o.cfg.MetricsAddr, "error", err)
		return m, func() {}
	}
	return m, func() {
		if err := srv.Stop(5 * time.Second); err != nil {
			o.logger.Warn("failed to stop metrics listener", "error", err)
		}
	}
}

// recorder writes one run to the history database. A nil recorder does
// nothing, so a database that cannot be opened only disables history.
type recorder struct {
	db     *store.Store
	id     string
	logger *slog.Logger
}

func startRecord(ctx context.Context, o *options, run store.Run) *recorder {
	if o.cfg.DBPath == "" {
		return nil
	}
	db, err := store.Open(platform.ExpandHome(o.cfg.DBPath), o.logger)
	if err != nil {
		o.logger.Warn("run history disabled", "db", o.cfg.DBPath, "error", err)
		return nil
	}
	run, err = db.StartRun(ctx, run)
	if err != nil {
		o.logger.Warn("failed to record run", "error", err)
		db.Close()
		return nil
	}
	o.logger.Debug("run started", "run", run.ID, "kind", run.Kind)
	return &recorder{db: db, id: run.ID, logger: o.logger}
}

func (r *recorder) examples(results []store.ExampleResult) {
	if r == nil || len(results) == 0 {
		return
	}
	if err := r.db.RecordExamples(context.Background(), r.id, results); err != nil {
		r.logger.Warn("failed to record example results", "run", r.id, "error", err)
	}
}

func (r *recorder) finish(examples int, metrics *scoring.Report, runErr error) {
	if r == nil {
		return
	}
	if err := r.db.FinishRun(context.Background(), r.id, examples, metrics, runErr); err != nil {
		r.logger.Warn("failed to finish run record", "run", r.id, "error", err)
	}
}

func (r *recorder) close() {
	if r != nil {
		r.db.Close()
	}
}

func readExamples(cfg appconfig.Config) ([]dataset.Example, error) {
	path := dataset.ManifestPath(platform.ExpandHome(cfg.SplitsDir), cfg.EvalSplit, cfg.EvalSet)
	return dataset.ReadManifest(path)
}

func networkOptions(cfg appconfig.Config) network.Options {
	return network.Options{
		ORTSharedLibraryPath: ortLibrary(cfg),
		IntraOpThreads:       cfg.ORTThreads,
	}
}

func ortLibrary(cfg appconfig.Config) string {
	if cfg.ORTSharedLibraryPath != "" {
		return platform.ExpandHome(cfg.ORTSharedLibraryPath)
	}
	if p := platform.DefaultORTLibrary(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func buildSink(ctx context.Context, cfg appconfig.Config) (export.Sink, error) {
	dir, err := export.NewDirSink(platform.ExpandHome(cfg.OutputDir))
	if err != nil {
		return nil, err
	}
	if cfg.S3.Bucket == "" {
		return dir, nil
	}
	s3, err := export.NewS3Sink(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	return export.MultiSink{dir, s3}, nil
}

func runPredict(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseOptions("predict", args, stderr)
	if err != nil {
		return err
	}
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WeightsPath == "" {
		return evalerr.Configf("--load-weights-folder is required")
	}
	resize, err := depthmap.ParseResizeMethod(cfg.ResizeMethod)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "-> Loading weights from %s\n", cfg.WeightsPath)
	weightsPath := cfg.WeightsPath
	if network.IsRemote(weightsPath) {
		weightsPath, err = network.FetchWeights(ctx, weightsPath, platform.GetCacheDir(), func(done, total int64) {
			if total > 0 {
				o.logger.Info("downloading weights", "progress", humanize.Bytes(uint64(done))+" / "+humanize.Bytes(uint64(total)))
			}
		})
		if err != nil {
			return err
		}
	}
	weights, err := network.ResolveWeights(weightsPath, platform.GetCacheDir())
	if err != nil {
		return err
	}
	if err := network.CheckFiles(weights); err != nil {
		return err
	}
	modelCfg, err := network.LoadModelConfig(weights)
	if err != nil {
		return err
	}
	loaderOpts := cfg.LoaderOptions()
	modelCfg.ApplyToOptions(&loaderOpts)
	source, err := dataset.NewLoader(loaderOpts)
	if err != nil {
		return err
	}
	examples, err := readExamples(cfg)
	if err != nil {
		return err
	}
	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	metrics, stopMetrics := startMetrics(o)
	defer stopMetrics()
	rec := startRecord(ctx, o, store.Run{
		Kind:        store.KindPredict,
		Mode:        cfg.Mode,
		PostProcess: cfg.PostProcess,
		Split:       cfg.EvalSplit,
		OutputDir:   cfg.OutputDir,
	})
	defer rec.close()

	load := func(context.Context) (pipeline.Model, error) {
		n, err := network.Load(weights, networkOptions(cfg))
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	predictor := pipeline.NewPredictor(pipeline.PredictorConfig{
		Mode:         o.mode,
		Scales:       cfg.Scales(),
		Range:        cfg.Range(),
		Bounds:       cfg.Bounds(),
		PostProcess:  cfg.PostProcess,
		OutputWidth:  cfg.OutputWidth,
		OutputHeight: cfg.OutputHeight,
		Resize:       resize,
		BatchSize:    cfg.BatchSize,
	}, source, load, sink, pipeline.WithLogger(o.logger), pipeline.WithMetrics(metrics))

	fmt.Fprintf(stdout, "-> Computing predictions with size %dx%d\n", modelCfg.Width, modelCfg.Height)
	res, err := predictor.Run(ctx, examples)
	rec.finish(res.Examples, nil, err)
	if err != nil {
		return err
	}
	o.logger.Info("predictions saved", "examples", res.Examples, "batches", res.Batches, "dir", cfg.OutputDir)
	fmt.Fprintln(stdout, "-> Done.")
	return nil
}

func runEvaluate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseOptions("evaluate", args, stderr)
	if err != nil {
		return err
	}
	cfg := o.cfg
	predDir := cfg.Eval.PredDir
	if predDir == "" {
		predDir = cfg.OutputDir
	}
	ecfg := pipeline.EvaluatorConfig{
		Mode:                 o.mode,
		MinDepth:             cfg.Eval.MinDepth,
		MaxDepth:             cfg.Eval.MaxDepth,
		DisableMedianScaling: cfg.Eval.DisableMedianScaling,
		PredDir:              platform.ExpandHome(predDir),
		GTDir:                platform.ExpandHome(cfg.Eval.GTDir),
	}
	if err := ecfg.Validate(); err != nil {
		return err
	}
	examples, err := readExamples(cfg)
	if err != nil {
		return err
	}

	metrics, stopMetrics := startMetrics(o)
	defer stopMetrics()
	rec := startRecord(ctx, o, store.Run{
		Kind:      store.KindEvaluate,
		Mode:      cfg.Mode,
		Split:     cfg.EvalSplit,
		OutputDir: predDir,
	})
	defer rec.close()

	fmt.Fprintf(stdout, "-> Evaluating %d predictions from %s\n", len(examples), predDir)
	if ecfg.MedianScaling() {
		fmt.Fprintln(stdout, "   Mono evaluation - using median scaling")
	} else {
		fmt.Fprintln(stdout, "   Stereo evaluation - disabling median scaling")
	}
	res, err := pipeline.NewEvaluator(ecfg, o.logger, metrics).Evaluate(ctx, examples)
	results := make([]store.ExampleResult, len(res.PerExample))
	for i, s := range res.PerExample {
		results[i] = store.ExampleResult{Position: i, Example: s.Example.ID(), Ratio: s.Ratio, Report: s.Report}
	}
	rec.examples(results)
	if err != nil {
		rec.finish(len(res.PerExample), nil, err)
		return err
	}
	rec.finish(len(res.PerExample), &res.Mean, nil)

	if res.Ratios != nil {
		if err := report.WriteRatios(stdout, *res.Ratios); err != nil {
			return err
		}
	}
	fmt.Fprintln(stdout)
	if err := report.WriteTable(stdout, res.Mean); err != nil {
		return err
	}
	if cfg.Eval.PlotPath != "" {
		if err := report.PlotHistogram(platform.ExpandHome(cfg.Eval.PlotPath), res.AbsRels(), 0); err != nil {
			return err
		}
		o.logger.Info("abs_rel histogram written", "path", cfg.Eval.PlotPath)
	}
	fmt.Fprintln(stdout, "\n-> Done!")
	return nil
}

func runRuns(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, _, err := appconfig.Load(configPathFromArgs(args))
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("depthkit runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("config", "", "path to config.json")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "run history database path")
	limit := fs.Int("limit", 20, "number of runs to list, 0 for all")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return evalerr.Configf("%v", err)
	}

	db, err := store.Open(platform.ExpandHome(cfg.DBPath), logger.Discard())
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return nil
	}
	return report.WriteRuns(stdout, runs, time.Now())
}
