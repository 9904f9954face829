package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError means the request never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-success response. Status is the HTTP status, or the
// envelope code when the server reported failure inside a 2xx body.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// DecodeError means the response body was not the expected JSON.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: decode: %v", e.Op, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }
