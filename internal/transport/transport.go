// Package transport establishes and operates the control channel to a
// compute target. The gate classifies dial failures as retryable or fatal
// and retries within a bounded budget; sessions run commands and move files.
package transport

import "context"

// LineWriter receives one output line at a time. Callbacks for a single
// command are invoked from a single goroutine.
type LineWriter func(line string)

// Credentials identifies the remote user and the private key written at
// provision time.
type Credentials struct {
	User    string
	KeyPath string
}

// Session is an authenticated logical channel to one compute target. Run
// opens a fresh command channel per call, so concurrent jobs may share a
// Session as long as each holds its own in-flight command.
type Session interface {
	// Run executes a command remotely, streaming merged stdout/stderr lines
	// to out, and returns the command's exit code. A non-zero exit is not an
	// error; err is reserved for transport failures.
	Run(ctx context.Context, command string, out LineWriter) (int, error)

	// Upload copies a local file or directory tree to the remote path.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download copies a remote file to the local path, creating parent
	// directories as needed.
	Download(ctx context.Context, remotePath, localPath string) error

	// ReadFile returns the contents of a remote file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes data to a remote file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Glob expands a remote glob pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
