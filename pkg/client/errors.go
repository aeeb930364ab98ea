package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (bad key, unknown blog).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 quota errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network, timeout and undecodable-body errors.
	ErrorClassNetwork ErrorClass = "network"
)

// TransportError is returned when no usable response was obtained:
// the request failed, the body could not be read, or it was not JSON.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("tumblr %s %s: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteStatusError is returned when the service answered with a failure
// status, either in the body's meta block or as a bare HTTP status.
type RemoteStatusError struct {
	Endpoint string
	Code     int
	Message  string
	Class    ErrorClass
}

// Error implements the error interface.
func (e *RemoteStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tumblr %s error (status %d) on %s", e.Class, e.Code, e.Endpoint)
	}
	return fmt.Sprintf("tumblr %s error (status %d) on %s: %s", e.Class, e.Code, e.Endpoint, e.Message)
}

func newRemoteStatusError(endpoint string, code int, message string) *RemoteStatusError {
	return &RemoteStatusError{
		Endpoint: endpoint,
		Code:     code,
		Message:  message,
		Class:    classifyStatus(code),
	}
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		// a non-200 meta status outside the HTTP error ranges
		return ErrorClassServer
	}
}

// Classify returns the class of an error produced by the client, or "" for
// errors that did not come from a request (e.g. context cancellation).
func Classify(err error) ErrorClass {
	var remote *RemoteStatusError
	if errors.As(err, &remote) {
		return remote.Class
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return ErrorClassNetwork
	}
	return ""
}

// FailedEndpoint returns the endpoint of the request behind err, or "" when
// err did not come from the client.
func FailedEndpoint(err error) string {
	var remote *RemoteStatusError
	if errors.As(err, &remote) {
		return remote.Endpoint
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return transport.Endpoint
	}
	return ""
}

// Retryable reports whether a failure of this class may succeed when repeated.
func Retryable(class ErrorClass) bool {
	switch class {
	case ErrorClassClient:
		// 4xx errors do not change on repeat and only burn quota
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
