package driven

import (
	"io"
	"io/fs"
	"net/http"
)

// Runtime is the seam through which the core performs all ambient I/O.
// Injecting it keeps the core testable and lets embedders sandbox file
// access, filter environment lookups and route HTTP through their own
// transport.
type Runtime interface {
	// ReadFile reads the named file.
	ReadFile(path string) ([]byte, error)

	// OpenFile opens the named file for streaming reads.
	OpenFile(path string) (io.ReadCloser, error)

	// WriteFile writes data to the named file, creating it if needed.
	WriteFile(path string, data []byte, perm fs.FileMode) error

	// MkdirAll creates a directory path.
	MkdirAll(path string, perm fs.FileMode) error

	// Exists reports whether the path exists.
	Exists(path string) (bool, error)

	// Stat returns file info for the path.
	Stat(path string) (fs.FileInfo, error)

	// Remove deletes the named file.
	Remove(path string) error

	// Rename atomically moves a file within a directory.
	Rename(oldpath, newpath string) error

	// DirFS returns a read-only filesystem view rooted at dir, used for
	// glob expansion during discovery.
	DirFS(dir string) (fs.FS, error)

	// Env returns the value of a permitted environment variable.
	// Lookups outside the embedder's allow-list return ("", false).
	Env(key string) (string, bool)

	// HTTPClient returns the client outbound requests must use.
	HTTPClient() *http.Client

	// Metric records an optional numeric telemetry value. No-op when the
	// embedder has no telemetry sink.
	Metric(name string, value float64)
}
