package appsignal

import (
	"fmt"
	"net/http"
)

// ConfigurationError reports missing or invalid credentials.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// ValidationError reports a missing or malformed argument. It is always
// returned before any request is sent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UpstreamError is the single shape for every failure that happens while
// talking to the AppSignal API. Non-2xx responses carry their own status;
// transport and decoding faults are reported as 500 with Err set.
type UpstreamError struct {
	Status     int
	StatusText string
	Body       any
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("appsignal request failed with status %d", e.Status)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func internalUpstreamError(operation string, err error) *UpstreamError {
	return &UpstreamError{
		Status:     http.StatusInternalServerError,
		StatusText: http.StatusText(http.StatusInternalServerError),
		Message:    fmt.Sprintf("%s failed: %s", operation, err.Error()),
		Err:        err,
	}
}
