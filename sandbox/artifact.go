package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// File permission constants. Artifacts are read by the unprivileged
// container user, so they are world readable.
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// ArtifactWriter persists submitted source files into the working directory
type ArtifactWriter struct {
	fs afero.Fs
}

// NewArtifactWriter creates an ArtifactWriter on fs, or on the host
// filesystem when fs is nil
func NewArtifactWriter(fsys afero.Fs) *ArtifactWriter {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &ArtifactWriter{fs: fsys}
}

// Write stores content at dir/filename and returns the path. A missing
// directory is created and the write retried once; every other failure
// wraps ErrWrite.
func (w *ArtifactWriter) Write(dir, filename, content string) (string, error) {
	path := filepath.Join(dir, filename)

	err := afero.WriteFile(w.fs, path, []byte(content), FilePermission)
	if errors.Is(err, fs.ErrNotExist) {
		if mkdirErr := w.fs.MkdirAll(dir, DirPermission); mkdirErr != nil {
			return "", fmt.Errorf("%w: create %s: %w", ErrWrite, dir, mkdirErr)
		}
		err = afero.WriteFile(w.fs, path, []byte(content), FilePermission)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}

	return path, nil
}
