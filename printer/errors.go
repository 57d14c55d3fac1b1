package printer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnsupportedType is returned by the registry for unknown type tokens.
	ErrUnsupportedType = errors.New("unsupported printer type")
	// ErrInvalidCredentials marks credentials that could not be parsed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnsupportedOperation is returned by adapters lacking a capability.
	ErrUnsupportedOperation = errors.New("operation not supported")
	// ErrNotFound is returned when a named file does not exist on the device.
	ErrNotFound = errors.New("not found")
	// ErrAuth is returned when the device rejects the supplied credentials.
	ErrAuth = errors.New("authentication failed")
)

// OpError records the adapter and operation that failed.
type OpError struct {
	Adapter string
	Op      string
	Err     error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns err annotated with adapter and op. A nil err stays nil.
func Wrap(adapter, op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Adapter == adapter && oe.Op == op {
		return err
	}
	return &OpError{Adapter: adapter, Op: op, Err: err}
}

// Unsupported returns the error an adapter reports for a missing capability.
func Unsupported(adapter, op string) error {
	return &OpError{Adapter: adapter, Op: op, Err: ErrUnsupportedOperation}
}

// HTTPError is a non-2xx response from a device.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Is lets callers match HTTP failures against the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}
