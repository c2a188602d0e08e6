package network

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/evalerr"
)

// ModelConfig is the optional config.json stored next to the weights.
type ModelConfig struct {
	Height       int      `json:"height"`
	Width        int      `json:"width"`
	Encoder      string   `json:"encoder"`
	NumLayers    int      `json:"num_layers"`
	InputName    string   `json:"input_name"`
	FeatureNames []string `json:"feature_names"`
	DispOutput   string   `json:"disp_output"`
}

// DefaultModelConfig describes the usual 640x192 ResNet-18 export.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{Height: 192, Width: 640, Encoder: "resnet", NumLayers: 18}
}

// LoadModelConfig reads dir/config.json. A missing file yields the defaults.
func LoadModelConfig(dir string) (ModelConfig, error) {
	cfg := DefaultModelConfig()
	f, err := os.Open(filepath.Join(dir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, evalerr.Configf("parse %s: %v", ConfigFile, err)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return cfg, evalerr.Configf("model config has invalid input size %dx%d", cfg.Width, cfg.Height)
	}
	return cfg, nil
}

// ApplyToOptions copies the trained input resolution into loader options.
func (mc ModelConfig) ApplyToOptions(opts *dataset.Options) {
	if opts == nil {
		return
	}
	if mc.Width > 0 && mc.Height > 0 {
		opts.Width = mc.Width
		opts.Height = mc.Height
	}
}

// CheckFiles verifies that dir holds both model stages.
func CheckFiles(dir string) error {
	for _, name := range []string{EncoderFile, DecoderFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				return evalerr.NotFoundf("%s missing from %s", name, dir)
			}
			return err
		}
	}
	return nil
}
