package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError is returned when the remote end answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying regardless of its kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Error classes reported by Classify.
const (
	ClassNone        = ""
	ClassPermanent   = "permanent"
	ClassClient      = "client_error"
	ClassRateLimited = "rate_limited"
	ClassServer      = "server_error"
	ClassTimeout     = "timeout"
	ClassNetwork     = "network"
	ClassCanceled    = "canceled"
	ClassUnknown     = "unknown"
)

// Classify names the kind of failure err represents.
func Classify(err error) string {
	if err == nil {
		return ClassNone
	}
	if IsPermanent(err) {
		return ClassPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case se.StatusCode >= 500:
			return ClassServer
		case se.StatusCode >= 400:
			return ClassClient
		default:
			return ClassUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassNetwork
	}
	return ClassUnknown
}

// IsRetryable reports whether a failed attempt may succeed if repeated.
// Client errors other than 429, permanent errors and cancellations are final;
// everything else, including unclassified errors, is retried.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassNone, ClassPermanent, ClassClient, ClassCanceled:
		return false
	default:
		return true
	}
}
