// Package printer defines the capability set shared by every printer adapter
// and the normalized values they return.
package printer

import (
	"context"
	"io"
	"net"
	"strconv"
)

// Target identifies the device an operation runs against.
type Target struct {
	Host string
	// Port is the device port. Zero selects the adapter's default.
	Port int
	// Credentials is adapter specific: an API key, a password, or for
	// Bambu printers a "<serial>:<token>" blob.
	Credentials string
}

// Addr returns host:port, falling back to defaultPort when no port is set.
func (t Target) Addr(defaultPort int) string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Printer is implemented by every vendor adapter.
type Printer interface {
	// Name returns the registry type token, e.g. "octoprint".
	Name() string

	GetStatus(ctx context.Context, t Target) (*Status, error)
	GetFiles(ctx context.Context, t Target) ([]FileInfo, error)
	GetFile(ctx context.Context, t Target, name string) (*FileInfo, error)

	// UploadFile sends the local file at path to the device under name.
	// An empty name keeps the local base name.
	UploadFile(ctx context.Context, t Target, path, name string, startAfterUpload bool) (*UploadResult, error)

	StartJob(ctx context.Context, t Target, name string) (*CommandResult, error)
	CancelJob(ctx context.Context, t Target) (*CommandResult, error)
	SetTemperature(ctx context.Context, t Target, component string, value float64) (*CommandResult, error)
}

// Disconnecter is implemented by adapters that hold persistent connections.
type Disconnecter interface {
	DisconnectAll(ctx context.Context) error
}

// Downloader is implemented by adapters that can stream a stored file back.
type Downloader interface {
	DownloadFile(ctx context.Context, t Target, name string, w io.Writer) (int64, error)
}

// Pauser is implemented by adapters that can pause and resume a running job.
type Pauser interface {
	PauseJob(ctx context.Context, t Target) (*CommandResult, error)
	ResumeJob(ctx context.Context, t Target) (*CommandResult, error)
}
