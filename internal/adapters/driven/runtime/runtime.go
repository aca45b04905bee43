// Package runtime provides the default Runtime adapter: direct OS file
// access, an allow-listed environment, and a shared HTTP client with a
// sane timeout.
package runtime

import (
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/quarry-labs/quarry/internal/core/ports/driven"
	"github.com/quarry-labs/quarry/internal/logger"
)

// Ensure OSRuntime implements the interface.
var _ driven.Runtime = (*OSRuntime)(nil)

// DefaultHTTPTimeout bounds every outbound request made through the
// default client.
const DefaultHTTPTimeout = 60 * time.Second

// OSRuntime is the production Runtime: plain OS calls, environment lookups
// restricted to an allow-list, metrics logged at debug level.
type OSRuntime struct {
	client   *http.Client
	envAllow map[string]bool
}

// Option configures an OSRuntime.
type Option func(*OSRuntime)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *OSRuntime) {
		if client != nil {
			r.client = client
		}
	}
}

// WithEnvAllowList permits the given environment variables. Without an
// allow-list every lookup succeeds.
func WithEnvAllowList(keys ...string) Option {
	return func(r *OSRuntime) {
		r.envAllow = make(map[string]bool, len(keys))
		for _, k := range keys {
			r.envAllow[k] = true
		}
	}
}

// New creates the default runtime.
func New(opts ...Option) *OSRuntime {
	r := &OSRuntime{
		client: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadFile reads the named file.
func (r *OSRuntime) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// OpenFile opens the named file for streaming reads.
func (r *OSRuntime) OpenFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// WriteFile writes data to the named file.
func (r *OSRuntime) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// MkdirAll creates a directory path.
func (r *OSRuntime) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Exists reports whether the path exists.
func (r *OSRuntime) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat returns file info for the path.
func (r *OSRuntime) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// Remove deletes the named file.
func (r *OSRuntime) Remove(path string) error {
	return os.Remove(path)
}

// Rename atomically moves a file within a directory.
func (r *OSRuntime) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// DirFS returns a read-only filesystem view rooted at dir.
func (r *OSRuntime) DirFS(dir string) (fs.FS, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "dirfs", Path: dir, Err: fs.ErrInvalid}
	}
	return os.DirFS(dir), nil
}

// Env returns the value of a permitted environment variable.
func (r *OSRuntime) Env(key string) (string, bool) {
	if r.envAllow != nil && !r.envAllow[key] {
		return "", false
	}
	return os.LookupEnv(key)
}

// HTTPClient returns the outbound HTTP client.
func (r *OSRuntime) HTTPClient() *http.Client {
	return r.client
}

// Metric records a telemetry value at debug level.
func (r *OSRuntime) Metric(name string, value float64) {
	logger.Debug("metric %s=%g", name, value)
}
