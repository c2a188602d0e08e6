//go:build !cgo
// +build !cgo

package network

// Options configures the ONNX Runtime backed network.
type Options struct {
	ORTSharedLibraryPath string
	IntraOpThreads       int
}

// Load returns ErrCGORequired in non-CGO builds.
func Load(dir string, opts Options) (*Network, error) {
	if err := CheckFiles(dir); err != nil {
		return nil, err
	}
	return nil, ErrCGORequired
}
