package network

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stevecastle/depthkit/dataset"
	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/tensor"
)

type fakeEncoder struct{ closed bool }

func (f *fakeEncoder) Encode(_ context.Context, images *tensor.Batch) (Features, error) {
	return Features{images}, nil
}
func (f *fakeEncoder) Close() error {
	f.closed = true
	return nil
}

// fakeDecoder fills each output map with the item's first input value.
type fakeDecoder struct {
	key    OutputKey
	closed bool
}

func (f *fakeDecoder) Decode(_ context.Context, feats Features) (Outputs, error) {
	in := feats[0]
	out := tensor.NewBatch(in.N, 1, in.H, in.W)
	plane := in.H * in.W
	for i := 0; i < in.N; i++ {
		v := in.Item(i)[0]
		for j := 0; j < plane; j++ {
			out.Item(i)[j] = v
		}
	}
	return Outputs{f.key: out}, nil
}
func (f *fakeDecoder) Close() error {
	f.closed = true
	return nil
}

func TestPredict(t *testing.T) {
	enc, dec := &fakeEncoder{}, &fakeDecoder{key: DispKey}
	n := New(enc, dec, DefaultModelConfig())
	images := tensor.NewBatch(2, 3, 2, 2)
	images.Item(0)[0] = 0.25
	images.Item(1)[0] = 0.75
	disp, err := n.Predict(context.Background(), images)
	if err != nil {
		t.Fatal(err)
	}
	if disp.N != 2 || disp.C != 1 {
		t.Fatalf("disp shape = %v", disp.Shape())
	}
	if disp.Item(0)[3] != 0.25 || disp.Item(1)[0] != 0.75 {
		t.Errorf("items out of order: %v", disp.Data)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if !enc.closed || !dec.closed {
		t.Error("Close should release both stages")
	}
}

func TestPredictMissingDisp(t *testing.T) {
	n := New(&fakeEncoder{}, &fakeDecoder{key: OutputKey{Name: "disp", Scale: 1}}, DefaultModelConfig())
	_, err := n.Predict(context.Background(), tensor.NewBatch(1, 3, 2, 2))
	if !errors.Is(err, evalerr.ErrNumericDomain) {
		t.Errorf("err = %v; want ErrNumericDomain", err)
	}
}

func TestParseOutputKey(t *testing.T) {
	tests := []struct {
		in   string
		want OutputKey
	}{
		{"disp_0", DispKey},
		{"disp:3", OutputKey{"disp", 3}},
		{"('disp', 2)", OutputKey{"disp", 2}},
		{"disp", DispKey},
		{"depth_output", OutputKey{Name: "depth_output"}},
	}
	for _, tt := range tests {
		if got := ParseOutputKey(tt.in); got != tt.want {
			t.Errorf("ParseOutputKey(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadModelConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultModelConfig(), cfg); diff != "" {
		t.Errorf("missing config should give defaults (-want +got):\n%s", diff)
	}

	body := `{"height": 256, "width": 512, "encoder": "resnet", "num_layers": 50, "disp_output": "out"}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadModelConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 512 || cfg.Height != 256 || cfg.NumLayers != 50 || cfg.DispOutput != "out" {
		t.Errorf("unexpected config %+v", cfg)
	}
	opts := dataset.DefaultOptions()
	cfg.ApplyToOptions(&opts)
	if opts.Width != 512 || opts.Height != 256 {
		t.Errorf("ApplyToOptions gave %dx%d", opts.Width, opts.Height)
	}

	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"width": -1}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelConfig(dir); !errors.Is(err, evalerr.ErrConfiguration) {
		t.Errorf("err = %v; want ErrConfiguration", err)
	}
}

func writeModelFiles(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{EncoderFile, DecoderFile} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("onnx"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	if err := CheckFiles(dir); !errors.Is(err, evalerr.ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
	writeModelFiles(t, dir)
	if err := CheckFiles(dir); err != nil {
		t.Errorf("CheckFiles = %v", err)
	}
}

func TestResolveWeightsDirectory(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveWeights(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("ResolveWeights = %q; want %q", got, dir)
	}
	_, err = ResolveWeights(filepath.Join(dir, "absent"), t.TempDir())
	if !errors.Is(err, evalerr.ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}

func TestResolveWeightsZip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "mono_640x192.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range []string{"mono_640x192/" + EncoderFile, "mono_640x192/" + DecoderFile} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("onnx"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cache := t.TempDir()
	dir, err := ResolveWeights(archive, cache)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "mono_640x192" {
		t.Errorf("resolved %q; want inner folder", dir)
	}
	if err := CheckFiles(dir); err != nil {
		t.Error(err)
	}
	// A second call reuses the extracted copy.
	again, err := ResolveWeights(archive, cache)
	if err != nil || again != dir {
		t.Errorf("second resolve = %q, %v", again, err)
	}
}

func TestResolveWeights7z(t *testing.T) {
	// testdata/mono_640x192.7z stores mono_640x192/encoder.onnx and
	// mono_640x192/depth.onnx uncompressed.
	cache := t.TempDir()
	dir, err := ResolveWeights(filepath.Join("testdata", "mono_640x192.7z"), cache)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(cache, "weights", "mono_640x192", "mono_640x192"); dir != want {
		t.Errorf("resolved %q; want %q", dir, want)
	}
	for name, want := range map[string]string{EncoderFile: "encoder-onnx", DecoderFile: "depth-onnx"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("%s = %q; want %q", name, got, want)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), ".complete")); err != nil {
		t.Errorf("completion marker missing: %v", err)
	}
}

func TestResolveWeightsTarGz(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "weights.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range []string{EncoderFile, DecoderFile} {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: 4, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte("onnx"))
	}
	tw.Close()
	gz.Close()
	f.Close()

	dir, err := ResolveWeights(archive, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckFiles(dir); err != nil {
		t.Error(err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	f, _ := os.Create(archive)
	zw := zip.NewWriter(f)
	w, _ := zw.Create("../escape.txt")
	w.Write([]byte("x"))
	zw.Close()
	f.Close()
	if err := ExtractZip(archive, t.TempDir()); err == nil {
		t.Error("expected traversal entry to be rejected")
	}
}
