package errorz

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrPermanent matches failures that retrying won't fix.
var ErrPermanent = errors.New("permanent failure")

// StatusError is an unexpected response from an upstream HTTP API.
type StatusError struct {
	Upstream   string
	StatusCode int
	// Detail is what the upstream said about the failure, if anything.
	Detail string
}

func (e StatusError) Error() string {
	msg := fmt.Sprintf("%s responded with status %d", e.Upstream, e.StatusCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports client errors as ErrPermanent. Timeouts and rate limits
// are client errors that can be retried.
func (e StatusError) Is(target error) bool {
	if target != ErrPermanent {
		return false
	}

	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}

	return e.StatusCode >= 400 && e.StatusCode < 500
}
