package appconfig

import (
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevecastle/depthkit/calib"
	"github.com/stevecastle/depthkit/evalerr"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.MonoScale != 1 || cfg.StereoScale != 5.4 {
		t.Errorf("Default scales = %v/%v; want 1/5.4", cfg.MonoScale, cfg.StereoScale)
	}
	if cfg.ClipMinDepth != 0 || cfg.ClipMaxDepth != 80 {
		t.Errorf("Default clip bounds = [%v, %v]; want [0, 80]", cfg.ClipMinDepth, cfg.ClipMaxDepth)
	}
	if cfg.MinDepth != 0.1 || cfg.MaxDepth != 100 {
		t.Errorf("Default conversion range = [%v, %v]; want [0.1, 100]", cfg.MinDepth, cfg.MaxDepth)
	}
	if cfg.OutputWidth != 1024 || cfg.OutputHeight != 768 {
		t.Errorf("Default output size = %dx%d; want 1024x768", cfg.OutputWidth, cfg.OutputHeight)
	}
	if cfg.Mode != "" {
		t.Errorf("Default mode should be unset, got %q", cfg.Mode)
	}
	if filepath.Base(cfg.DBPath) != "runs.db" {
		t.Errorf("Default DBPath = %q", cfg.DBPath)
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{"Simple merge", `{"a": "1"}`, `{"b": "2"}`, `{"a":"1","b":"2"}`},
		{"Override value", `{"a": "1"}`, `{"a": "2"}`, `{"a":"2"}`},
		{"Nested merge", `{"s3": {"bucket": "x"}}`, `{"s3": {"prefix": "p"}}`, `{"s3":{"bucket":"x","prefix":"p"}}`},
		{"Add new nested", `{"a": "1"}`, `{"eval": {"gtDir": "gt"}}`, `{"a":"1","eval":{"gtDir":"gt"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst, src map[string]json.RawMessage
			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)

			result, _ := json.Marshal(dst)
			var resultMap, expectedMap map[string]interface{}
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !mapsEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

// mapsEqual compares two maps recursively
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if am, ok := v.(map[string]interface{}); ok {
			bm, ok := bv.(map[string]interface{})
			if !ok || !mapsEqual(am, bm) {
				return false
			}
			continue
		}
		if v != bv {
			return false
		}
	}
	return true
}

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg, got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("Load path = %q; want %q", got, path)
	}
	if cfg.ClipMaxDepth != 80 {
		t.Errorf("ClipMaxDepth = %v; want default 80", cfg.ClipMaxDepth)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config was not written: %v", err)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"mode": "stereo", "stereoScale": 5.0, "eval": {"gtDir": "/gt"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "stereo" || cfg.StereoScale != 5.0 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MonoScale != 1 || cfg.Eval.MaxDepth != 80 || cfg.Eval.GTDir != "/gt" {
		t.Errorf("defaults lost: mono=%v evalMax=%v gt=%q", cfg.MonoScale, cfg.Eval.MaxDepth, cfg.Eval.GTDir)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{nope"), 0644)
	if _, _, err := Load(path); !errors.Is(err, evalerr.ErrConfiguration) {
		t.Errorf("err = %v; want ErrConfiguration", err)
	}
}

func TestSavePreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"comment": "hand edited", "s3": {"extra": 1}}`), 0644)

	c := defaultConfig()
	c.S3.Bucket = "depth"
	if _, err := Save(c, path); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["comment"] != "hand edited" {
		t.Error("unknown top-level key dropped")
	}
	s3 := m["s3"].(map[string]interface{})
	if s3["extra"] != float64(1) || s3["bucket"] != "depth" {
		t.Errorf("nested merge wrong: %v", s3)
	}
}

func TestBindFlagsOverride(t *testing.T) {
	c := defaultConfig()
	c.OutputDir = "from-file"
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	BindFlags(fs, &c)
	if err := fs.Parse([]string{"--clip-max-depth", "50", "--post-process", "--resize=nearest", "--ort-threads", "2"}); err != nil {
		t.Fatal(err)
	}
	if c.ClipMaxDepth != 50 || !c.PostProcess || c.ResizeMethod != "nearest" || c.ORTThreads != 2 {
		t.Errorf("flags not applied: %+v", c)
	}
	if c.OutputDir != "from-file" {
		t.Errorf("unset flag should keep file value, got %q", c.OutputDir)
	}
}

func TestValidate(t *testing.T) {
	valid := defaultConfig()
	valid.Mode = "mono"
	if err := valid.Validate(); err != nil {
		t.Fatalf("default mono config invalid: %v", err)
	}
	mode, _ := valid.CalibMode()
	if mode != calib.Mono {
		t.Errorf("CalibMode = %v", mode)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no mode", func(c *Config) { c.Mode = "" }},
		{"zero scale", func(c *Config) { c.StereoScale = 0 }},
		{"inverted range", func(c *Config) { c.MinDepth, c.MaxDepth = 10, 1 }},
		{"overflowing clip", func(c *Config) { c.ClipMaxDepth = 300 }},
		{"negative clip", func(c *Config) { c.ClipMinDepth = -1 }},
		{"zero output", func(c *Config) { c.OutputWidth = 0 }},
		{"bad resize", func(c *Config) { c.ResizeMethod = "cubic" }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative ort threads", func(c *Config) { c.ORTThreads = -1 }},
		{"bad eval range", func(c *Config) { c.Eval.MinDepth = 90 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, evalerr.ErrConfiguration) {
				t.Errorf("err = %v; want ErrConfiguration", err)
			}
		})
	}
}

func TestConversionsAreIndependent(t *testing.T) {
	c := defaultConfig()
	c.MaxDepth = 100
	c.ClipMaxDepth = 80
	if c.Range().MaxDepth != 100 || c.Bounds().MaxDepth != 80 {
		t.Errorf("Range/Bounds mixed up: %+v %+v", c.Range(), c.Bounds())
	}
	opts := c.LoaderOptions()
	if opts.Ext != ".jpg" || opts.Workers != 4 {
		t.Errorf("LoaderOptions = %+v", opts)
	}
}
