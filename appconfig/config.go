package appconfig

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/depthmap"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/platform"
	"github.com/stevecastle/depthkit/quantize"
)

// S3Config configures the optional object storage mirror of written PNGs.
// An empty Bucket disables it.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// EvalConfig holds the settings used when scoring saved predictions.
type EvalConfig struct {
	PredDir              string  `json:"predDir"`
	GTDir                string  `json:"gtDir"`
	MinDepth             float64 `json:"minDepth"`
	MaxDepth             float64 `json:"maxDepth"`
	DisableMedianScaling bool    `json:"disableMedianScaling"`
	PlotPath             string  `json:"plotPath"`
}

// Config holds every tunable of a prediction or evaluation run.
type Config struct {
	// "mono" or "stereo"; empty means the mode must come from flags.
	Mode        string `json:"mode"`
	PostProcess bool   `json:"postProcess"`

	// Conversion range applied to the sigmoid network output.
	MinDepth float64 `json:"minDepth"`
	MaxDepth float64 `json:"maxDepth"`

	// Persistence clip bounds, independent of the conversion range.
	ClipMinDepth float64 `json:"clipMinDepth"`
	ClipMaxDepth float64 `json:"clipMaxDepth"`

	MonoScale   float64 `json:"monoScale"`
	StereoScale float64 `json:"stereoScale"`

	OutputWidth  int    `json:"outputWidth"`
	OutputHeight int    `json:"outputHeight"`
	ResizeMethod string `json:"resizeMethod"`
	OutputDir    string `json:"outputDir"`

	WeightsPath   string `json:"weightsPath"`
	DataPath      string `json:"dataPath"`
	SplitsDir     string `json:"splitsDir"`
	EvalSplit     string `json:"evalSplit"`
	EvalSet       string `json:"evalSet"`
	ImageExt      string `json:"imageExt"`
	Interpolation string `json:"interpolation"`
	BatchSize     int    `json:"batchSize"`
	NumWorkers    int    `json:"numWorkers"`

	ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
	ORTThreads           int    `json:"ortThreads"`
	DBPath               string `json:"dbPath"`
	MetricsAddr          string `json:"metricsAddr"`
	LogLevel             string `json:"logLevel"`
	LogFormat            string `json:"logFormat"`

	S3   S3Config   `json:"s3"`
	Eval EvalConfig `json:"eval"`
}

// DefaultDBPath returns the default run history database path.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "runs.db")
}

// DefaultConfigPath returns where config.json lives when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(platform.GetDataDir(), "config.json")
}

func defaultConfig() Config {
	return Config{
		MinDepth:      0.1,
		MaxDepth:      100,
		ClipMinDepth:  0,
		ClipMaxDepth:  80,
		MonoScale:     1,
		StereoScale:   5.4,
		OutputWidth:   1024,
		OutputHeight:  768,
		ResizeMethod:  string(depthmap.Bilinear),
		OutputDir:     "predictions",
		SplitsDir:     "splits",
		EvalSplit:     "season",
		EvalSet:       "test",
		ImageExt:      ".jpg",
		Interpolation: "lanczos3",
		BatchSize:     16,
		NumWorkers:    4,
		DBPath:        DefaultDBPath(),
		LogLevel:      "info",
		LogFormat:     "text",
		Eval: EvalConfig{
			MinDepth: 1e-3,
			MaxDepth: 80,
		},
	}
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return defaultConfig()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// Load reads the config at path (DefaultConfigPath when empty) on top of the
// defaults, so keys absent from the file keep their default values. A missing
// file is created with the defaults. It returns the config and its path.
func Load(path string) (Config, string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	path = platform.ExpandHome(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()
			savedPath, saveErr := Save(def, path)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %w", saveErr)
			}
			return def, savedPath, nil
		}
		return Config{}, path, evalerr.IO("read config "+path, err)
	}

	c := defaultConfig()
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, evalerr.Configf("failed to parse config JSON %s: %v", path, err)
	}
	return c, path, nil
}

// Save writes the config to path, creating the directory as needed. Keys in
// an existing file that Config does not know about are preserved.
func Save(c Config, path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, evalerr.IO("create config directory", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, evalerr.IO("write config "+path, err)
	}
	return path, nil
}

// BindFlags registers one flag per setting on fs, using c's current values
// as defaults and writing parsed values back into c.
func BindFlags(fs *flag.FlagSet, c *Config) {
	fs.BoolVar(&c.PostProcess, "post-process", c.PostProcess, "average predictions with their horizontally flipped counterpart")
	fs.Float64Var(&c.MinDepth, "min-depth", c.MinDepth, "minimum depth of the disparity conversion range")
	fs.Float64Var(&c.MaxDepth, "max-depth", c.MaxDepth, "maximum depth of the disparity conversion range")
	fs.Float64Var(&c.ClipMinDepth, "clip-min-depth", c.ClipMinDepth, "lower clip bound before quantization")
	fs.Float64Var(&c.ClipMaxDepth, "clip-max-depth", c.ClipMaxDepth, "upper clip bound before quantization")
	fs.Float64Var(&c.MonoScale, "mono-scale", c.MonoScale, "scale factor applied in mono mode")
	fs.Float64Var(&c.StereoScale, "stereo-scale", c.StereoScale, "scale factor applied in stereo mode")
	fs.IntVar(&c.OutputWidth, "output-width", c.OutputWidth, "width of saved depth maps")
	fs.IntVar(&c.OutputHeight, "output-height", c.OutputHeight, "height of saved depth maps")
	fs.StringVar(&c.ResizeMethod, "resize", c.ResizeMethod, "disparity resize method: bilinear or nearest")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "directory for saved depth maps")
	fs.StringVar(&c.WeightsPath, "load-weights-folder", c.WeightsPath, "weights directory or archive")
	fs.StringVar(&c.DataPath, "data-path", c.DataPath, "dataset root")
	fs.StringVar(&c.SplitsDir, "splits-dir", c.SplitsDir, "directory holding split manifests")
	fs.StringVar(&c.EvalSplit, "eval-split", c.EvalSplit, "split to evaluate")
	fs.StringVar(&c.EvalSet, "eval-set", c.EvalSet, "manifest set name inside the split")
	fs.StringVar(&c.ImageExt, "ext", c.ImageExt, "image extension appended to manifest names")
	fs.StringVar(&c.Interpolation, "interpolation", c.Interpolation, "input resize filter: lanczos3, bicubic, bilinear, nearest or catmullrom")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "examples per network batch")
	fs.IntVar(&c.NumWorkers, "num-workers", c.NumWorkers, "parallel image decoders")
	fs.StringVar(&c.ORTSharedLibraryPath, "ort-lib", c.ORTSharedLibraryPath, "path to the onnxruntime shared library")
	fs.IntVar(&c.ORTThreads, "ort-threads", c.ORTThreads, "onnxruntime intra-op threads, 0 for the runtime default")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "run history database path")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address while running")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.StringVar(&c.S3.Bucket, "s3-bucket", c.S3.Bucket, "mirror saved depth maps to this bucket")
	fs.StringVar(&c.S3.Prefix, "s3-prefix", c.S3.Prefix, "object key prefix for mirrored depth maps")
	fs.StringVar(&c.S3.Region, "s3-region", c.S3.Region, "bucket region")
	fs.StringVar(&c.S3.Endpoint, "s3-endpoint", c.S3.Endpoint, "custom S3-compatible endpoint")
	fs.StringVar(&c.Eval.PredDir, "pred-dir", c.Eval.PredDir, "directory of saved predictions to score")
	fs.StringVar(&c.Eval.GTDir, "gt-dir", c.Eval.GTDir, "directory of 16-bit ground truth depth PNGs")
	fs.BoolVar(&c.Eval.DisableMedianScaling, "disable-median-scaling", c.Eval.DisableMedianScaling, "skip per-image median scaling in mono mode")
	fs.StringVar(&c.Eval.PlotPath, "plot", c.Eval.PlotPath, "write an abs_rel histogram PNG here")
}

// CalibMode resolves Mode.
func (c Config) CalibMode() (calib.Mode, error) {
	return calib.ParseMode(c.Mode)
}

// Scales returns the calibration factors.
func (c Config) Scales() calib.Scales {
	return calib.Scales{Mono: float32(c.MonoScale), Stereo: float32(c.StereoScale)}
}

// Range returns the disparity conversion range.
func (c Config) Range() calib.Range {
	return calib.Range{MinDepth: float32(c.MinDepth), MaxDepth: float32(c.MaxDepth)}
}

// Bounds returns the persistence clip bounds.
func (c Config) Bounds() quantize.Bounds {
	return quantize.Bounds{MinDepth: c.ClipMinDepth, MaxDepth: c.ClipMaxDepth}
}

// LoaderOptions returns the dataset loader settings.
func (c Config) LoaderOptions() dataset.Options {
	opts := dataset.DefaultOptions()
	opts.DataPath = platform.ExpandHome(c.DataPath)
	if c.ImageExt != "" {
		opts.Ext = c.ImageExt
	}
	if c.Interpolation != "" {
		opts.Interpolation = c.Interpolation
	}
	if c.NumWorkers > 0 {
		opts.Workers = c.NumWorkers
	}
	return opts
}

// Validate checks the settings shared by prediction and evaluation.
func (c Config) Validate() error {
	if _, err := c.CalibMode(); err != nil {
		return err
	}
	if err := c.Scales().Validate(); err != nil {
		return err
	}
	if err := c.Range().Validate(); err != nil {
		return err
	}
	if err := c.Bounds().Validate(); err != nil {
		return err
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		return evalerr.Configf("invalid output size %dx%d", c.OutputWidth, c.OutputHeight)
	}
	if _, err := depthmap.ParseResizeMethod(c.ResizeMethod); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return evalerr.Configf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ORTThreads < 0 {
		return evalerr.Configf("ort threads must not be negative, got %d", c.ORTThreads)
	}
	if !(c.Eval.MinDepth < c.Eval.MaxDepth) || c.Eval.MinDepth < 0 {
		return evalerr.Configf("invalid evaluation depth range [%g, %g]", c.Eval.MinDepth, c.Eval.MaxDepth)
	}
	return nil
}
