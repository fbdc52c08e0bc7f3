package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidArgument marks configuration and programming errors. It is
	// never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimeout is raised when an adapter exceeds its own deadline. It is
	// terminal and distinct from network timeouts.
	ErrTimeout = errors.New("adapter timeout")
	// ErrCanceled stops work after the job was canceled. It is never
	// persisted as a failure.
	ErrCanceled = errors.New("job canceled")
)

// HTTPError is a non-2xx response from a product.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
}

// IsUnauthorized reports whether err carries an HTTP 401.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized
}

// StatusCode returns the status of the innermost HTTPError in err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// ProtocolError reports a response the adapter cannot interpret.
type ProtocolError struct {
	What string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.What, e.Err)
	}
	return "protocol violation: " + e.What
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Error tags a failure with the adapter, trace id and stage it came from.
type Error struct {
	Adapter string
	TraceID string
	Stage   Stage
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s adapter [trace=%s] stage %s: %v", e.Adapter, e.TraceID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err unless it is nil or already tagged.
func Wrap(adapterName, traceID string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Adapter: adapterName, TraceID: traceID, Stage: stage, Err: err}
}
