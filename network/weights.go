package network

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"

	"github.com/stevecastle/depthkit/evalerr"
	"github.com/stevecastle/depthkit/platform"
)

// Weight file names expected inside a weights directory.
const (
	EncoderFile = "encoder.onnx"
	DecoderFile = "depth.onnx"
	ConfigFile  = "config.json"
)

// ResolveWeights returns the directory holding the model files. path may be
// a directory or a .zip/.7z/.tar.gz/.tgz archive, which is unpacked once into
// cacheDir. A leading "~" is expanded to the home directory.
func ResolveWeights(path, cacheDir string) (string, error) {
	path = platform.ExpandHome(path)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", evalerr.NotFoundf("cannot find a folder at %s", path)
		}
		return "", err
	}
	if info.IsDir() {
		return path, nil
	}

	kind := archiveKind(path)
	if kind == "" {
		return "", evalerr.NotFoundf("cannot find a folder at %s", path)
	}
	dest := filepath.Join(cacheDir, "weights", strings.TrimSuffix(filepath.Base(path), kind))
	if _, err := os.Stat(filepath.Join(dest, ".complete")); err != nil {
		if err := os.RemoveAll(dest); err != nil {
			return "", err
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		switch kind {
		case ".zip":
			err = ExtractZip(path, dest)
		case ".7z":
			err = Extract7z(path, dest)
		default:
			err = ExtractTarGz(path, dest)
		}
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dest, ".complete"), nil, 0644); err != nil {
			return "", err
		}
	}
	return descendSingleDir(dest), nil
}

func archiveKind(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip", ".7z"} {
		if strings.HasSuffix(lower, ext) {
			return path[len(path)-len(ext):]
		}
	}
	return ""
}

// descendSingleDir follows archives that wrap everything in one top-level
// folder, so "bundle.zip" containing "mono_640x192/encoder.onnx" resolves to
// the inner folder.
func descendSingleDir(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, EncoderFile)); err == nil {
			return dir
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return dir
		}
		var sub string
		n := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			n++
			if e.IsDir() {
				sub = e.Name()
			}
		}
		if n != 1 || sub == "" {
			return dir
		}
		dir = filepath.Join(dir, sub)
	}
}

// safeJoin rejects archive entries that would escape destDir.
func safeJoin(destDir, name string) (string, error) {
	p := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, destDir)
	}
	return p, nil
}

// ExtractZip extracts a ZIP archive to the destination directory.
func ExtractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

// Extract7z extracts a 7z archive to the destination directory.
func Extract7z(archivePath, destDir string) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

// ExtractTarGz extracts a tar.gz archive.
func ExtractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		destPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := writeFile(destPath, tarReader); err != nil {
			return fmt.Errorf("failed to extract %s: %w", header.Name, err)
		}
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
