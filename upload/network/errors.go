package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a failed upload attempt at the transport boundary.
// The caller decides retry policy based on the kind, never on error text.
type ErrorKind int

const (
	// KindConnectivity means no HTTP response was obtained (DNS failure,
	// refused connection, reset, timeout). Recoverable via the retry queue.
	KindConnectivity ErrorKind = iota
	// KindHTTPStatus means a response was obtained with a non-2xx status.
	// Terminal for the file; retrying is unlikely to change the outcome.
	KindHTTPStatus
	// KindCancelled means the request was aborted by run cancellation.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindHTTPStatus:
		return "http_status"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TransportError is the error type returned by the data-plane upload calls.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Err)
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("connection lost: %s", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps an error from an HTTP round trip that produced no response
// into a TransportError. Context cancellation wins over everything else.
func Classify(err error) *TransportError {
	if errors.Is(err, context.Canceled) {
		return &TransportError{Kind: KindCancelled, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err == context.Canceled {
		return &TransportError{Kind: KindCancelled, Err: err}
	}

	// Timeouts count as connectivity loss: a hung connection is cut by the
	// client timeout and the request becomes eligible for queued retry.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Kind: KindConnectivity, Err: err}
	}

	return &TransportError{Kind: KindConnectivity, Err: err}
}
