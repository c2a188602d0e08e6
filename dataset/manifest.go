// Package dataset reads split manifests and turns the listed images into
// network-ready batches.
package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/depthkit/evalerr"
)

// Example identifies one entry of a split manifest.
type Example struct {
	// Index is the zero-based position in the manifest.
	Index int
	// Dir is the subdirectory relative to the data root; may be empty.
	Dir string
	// Name is the frame identifier, without extension.
	Name string
}

// ID returns "dir/name", or just name when Dir is empty.
func (e Example) ID() string {
	if e.Dir == "" {
		return e.Name
	}
	return e.Dir + "/" + e.Name
}

// ManifestPath returns <splitsDir>/<split>/<set>_files.txt.
func ManifestPath(splitsDir, split, set string) string {
	return filepath.Join(splitsDir, split, set+"_files.txt")
}

// ReadManifest parses a whitespace-delimited "<subdirectory> <filename>"
// listing. Blank lines are skipped; a line with a single field has no
// subdirectory; fields past the second are ignored.
func ReadManifest(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, evalerr.NotFoundf("manifest %s", path)
		}
		return nil, err
	}
	defer f.Close()

	var out []Example
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			out = append(out, Example{Index: len(out), Name: fields[0]})
		default:
			out = append(out, Example{Index: len(out), Dir: fields[0], Name: fields[1]})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, evalerr.NotFoundf("manifest %s lists no examples", path)
	}
	return out, nil
}

// Batches splits examples into consecutive chunks of at most size items,
// keeping manifest order. The last chunk may be shorter.
func Batches(examples []Example, size int) [][]Example {
	if size <= 0 {
		size = 1
	}
	var out [][]Example
	for start := 0; start < len(examples); start += size {
		end := start + size
		if end > len(examples) {
			end = len(examples)
		}
		out = append(out, examples[start:end])
	}
	return out
}
