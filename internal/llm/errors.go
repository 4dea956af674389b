package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable means the runtime could not be reached or did not
// answer before the client timeout.
var ErrUnavailable = errors.New("ollama unavailable")

// ErrNotFound matches a [BackendError] with status 404: the runtime
// does not support the endpoint or does not have the model.
var ErrNotFound = errors.New("ollama endpoint or model not found")

// BackendError is a non-2xx answer from the runtime. Message is the
// runtime's own error text when it sent one.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("ollama API error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *BackendError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
