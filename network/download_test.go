package network

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevecastle/depthkit/evalerr"
)

func archiveServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var hits atomic.Int32
	var lastRange atomic.Value
	lastRange.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		lastRange.Store(r.Header.Get("Range"))
		if !strings.HasSuffix(r.URL.Path, "weights.zip") {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "weights.zip", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &lastRange
}

func TestFetchWeightsDownloadsOnce(t *testing.T) {
	body := bytes.Repeat([]byte("depth"), 10000)
	srv, hits, _ := archiveServer(t, body)
	cache := t.TempDir()

	var last int64
	path, err := FetchWeights(context.Background(), srv.URL+"/models/weights.zip", cache, func(done, total int64) {
		last = done
		if total != int64(len(body)) {
			t.Errorf("total = %d; want %d", total, len(body))
		}
	})
	if err != nil {
		t.Fatalf("FetchWeights: %v", err)
	}
	if want := filepath.Join(cache, "downloads", "weights.zip"); path != want {
		t.Errorf("path = %s; want %s", path, want)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, body) {
		t.Error("downloaded content differs")
	}
	if last != int64(len(body)) {
		t.Errorf("final progress = %d", last)
	}

	if _, err := FetchWeights(context.Background(), srv.URL+"/models/weights.zip", cache, nil); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times; want 1", n)
	}
}

func TestFetchWeightsResumesPartialDownload(t *testing.T) {
	body := []byte("0123456789abcdefghij")
	srv, _, lastRange := archiveServer(t, body)
	cache := t.TempDir()
	dir := filepath.Join(cache, "downloads")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "weights.zip.part"), body[:8], 0644); err != nil {
		t.Fatal(err)
	}

	path, err := FetchWeights(context.Background(), srv.URL+"/weights.zip", cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r := lastRange.Load().(string); r != "bytes=8-" {
		t.Errorf("Range = %q; want bytes=8-", r)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, body) {
		t.Errorf("content = %q", got)
	}
}

func TestFetchWeightsErrors(t *testing.T) {
	srv, hits, _ := archiveServer(t, []byte("x"))
	cache := t.TempDir()

	_, err := FetchWeights(context.Background(), srv.URL+"/missing.zip", cache, nil)
	if !errors.Is(err, evalerr.ErrNotFound) {
		t.Errorf("missing archive: got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("not-found must not be retried, got %d requests", n)
	}

	_, err = FetchWeights(context.Background(), srv.URL+"/model.onnx", cache, nil)
	if !errors.Is(err, evalerr.ErrConfiguration) {
		t.Errorf("non-archive URL: got %v", err)
	}
}

func TestIsRemote(t *testing.T) {
	for in, want := range map[string]bool{
		"https://example.com/w.zip": true,
		"http://host/w.7z":          true,
		"/data/weights":             false,
		"~/weights.zip":             false,
	} {
		if got := IsRemote(in); got != want {
			t.Errorf("IsRemote(%q) = %v; want %v", in, got, want)
		}
	}
}
