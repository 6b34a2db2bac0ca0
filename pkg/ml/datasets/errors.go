package datasets

import "fmt"

// ManifestError reports a manifest that could not be loaded: the file is
// missing or unreadable, a required column is absent, labels are malformed,
// or the manifest lists no samples. It is returned at load time, before any
// training starts.
type ManifestError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ManifestError) Unwrap() error { return e.Err }

// DecodeError reports a sample whose image could not be opened, decoded or
// transformed. It surfaces at access time, possibly mid-epoch, and carries
// the dataset position and file path of the failing sample.
type DecodeError struct {
	Position int
	Path     string
	Err      error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("sample %d (%q): %v", e.Position, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }
