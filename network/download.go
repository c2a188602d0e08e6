package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevecastle/depthkit/evalerr"
)

const (
	// DefaultRetryAttempts is the number of times a failed download is tried.
	DefaultRetryAttempts = 3
	bufferSize           = 32 * 1024
)

// retryDelay is the pause between download attempts.
var retryDelay = 5 * time.Second

// ProgressFunc receives the bytes downloaded so far and the total size, or
// -1 when the server does not announce it.
type ProgressFunc func(downloaded, total int64)

// IsRemote reports whether path is an http(s) URL.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// FetchWeights downloads a weights archive into cacheDir/downloads and
// returns the local file path. A finished download is reused; an interrupted
// one is resumed with an HTTP Range request.
func FetchWeights(ctx context.Context, rawURL, cacheDir string, progress ProgressFunc) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", evalerr.Configf("invalid weights URL %q: %v", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || archiveKind(name) == "" {
		return "", evalerr.Configf("weights URL %s must point to a .zip, .7z, .tar.gz or .tgz archive", rawURL)
	}
	dir := filepath.Join(cacheDir, "downloads")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", evalerr.IO("create download directory", err)
	}
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	part := dest + ".part"
	if err := downloadWithRetry(ctx, part, rawURL, progress); err != nil {
		return "", err
	}
	if err := os.Rename(part, dest); err != nil {
		return "", evalerr.IO("finish download", err)
	}
	return dest, nil
}

func downloadWithRetry(ctx context.Context, destPath, rawURL string, progress ProgressFunc) error {
	var lastErr error
	for attempt := 1; attempt <= DefaultRetryAttempts; attempt++ {
		err := downloadFile(ctx, destPath, rawURL, progress)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A missing file will not appear on retry.
		if errors.Is(err, evalerr.ErrNotFound) {
			return err
		}
		if attempt < DefaultRetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", DefaultRetryAttempts, lastErr)
}

func downloadFile(ctx context.Context, destPath, rawURL string, progress ProgressFunc) error {
	var existing int64
	if st, err := os.Stat(destPath); err == nil {
		existing = st.Size()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return evalerr.IO("download "+rawURL, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	switch resp.StatusCode {
	case http.StatusOK:
		existing = 0
	case http.StatusPartialContent:
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	case http.StatusNotFound:
		return evalerr.NotFoundf("weights archive %s", rawURL)
	default:
		return evalerr.IO("download "+rawURL, fmt.Errorf("bad status: %s", resp.Status))
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = resp.ContentLength + existing
	}
	out, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return evalerr.IO("open "+destPath, err)
	}
	defer out.Close()

	downloaded := existing
	buf := make([]byte, bufferSize)
	last := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return evalerr.IO("write "+destPath, werr)
			}
			downloaded += int64(n)
			if progress != nil && time.Since(last) >= 250*time.Millisecond {
				progress(downloaded, total)
				last = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return evalerr.IO("read "+rawURL, rerr)
		}
	}
	if progress != nil {
		progress(downloaded, total)
	}
	return out.Close()
}
