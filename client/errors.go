package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransientError marks a fetch failure that is safe to retry: timeouts,
// rate limits, connection resets and server-side 5xx responses. Everything
// else is treated as fatal by callers.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient rpc error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps retryable failures in TransientError and passes fatal
// errors through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "too many requests", "rate limit",
		"500", "502", "503", "504",
		"connection refused", "connection reset", "broken pipe",
		"eof", "i/o timeout",
	} {
		if strings.Contains(msg, marker) {
			return &TransientError{Err: err}
		}
	}
	return err
}
