package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sentinel errors for completion requests.
var (
	// ErrNotRunning is returned when nothing listens at the configured endpoint.
	ErrNotRunning = errors.New("inference server not running")
	// ErrTimeout is returned when connecting, waiting for the first byte or
	// waiting between two stream reads takes longer than the configured timeout.
	ErrTimeout = errors.New("inference server timeout")
	// ErrConnectionFailed is returned when the connection fails for other reasons.
	ErrConnectionFailed = errors.New("inference server connection failed")
	// ErrRequestFailed is returned when the server answers with a non-200 status.
	ErrRequestFailed = errors.New("completion request failed")
	// ErrMalformedStream is returned when a stream line is not a data event.
	ErrMalformedStream = errors.New("malformed completion stream")
)

// classifyError converts low-level transport errors into the sentinels above.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrNotRunning
	}

	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
