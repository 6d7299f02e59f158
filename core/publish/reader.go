package publish

import (
	"errors"
	"io"
	"os"
)

// Artifact is a checkpoint read back from local disk.
type Artifact struct {
	LocalPath string
	Content   []byte
}

// ReadArtifact reads the whole file at path. The file handle is released on
// every return path.
func ReadArtifact(path string) (*Artifact, error) {
	// #nosec G304 -- path is derived from the configured local directory.
	f, err := os.Open(path)
	if err != nil {
		return nil, &ArtifactUnavailableError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &ArtifactUnavailableError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &ArtifactUnavailableError{Path: path, Err: errors.New("is a directory")}
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, &ArtifactUnavailableError{Path: path, Err: err}
	}
	return &Artifact{LocalPath: path, Content: content}, nil
}
