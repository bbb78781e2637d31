// Package errors classifies failures from the workbench's external
// collaborators (sandbox, telemetry sink, chat backend) so callers can decide
// between retrying, giving up and failing fast.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string { return describe("transient", e.Message, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not go away on retry.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string { return describe("permanent", e.Message, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError is returned without calling the collaborator at all, for
// example while a circuit breaker is open.
type DegradedError struct {
	Err        error
	Message    string
	RetryAfter time.Duration
}

func (e *DegradedError) Error() string { return describe("degraded", e.Message, e.Err) }
func (e *DegradedError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response from an external collaborator.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s request failed: status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s request failed: status %d: %s", e.Service, e.StatusCode, body)
}

func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

func NewDegradedError(err error, message string, retryAfter time.Duration) *DegradedError {
	return &DegradedError{Err: err, Message: message, RetryAfter: retryAfter}
}

func describe(kind, message string, err error) string {
	if message != "" {
		return message
	}
	return fmt.Sprintf("%s error: %v", kind, err)
}

type verdict int

const (
	unknown verdict = iota
	transient
	permanent
)

// classify checks explicit markers first, then status codes, then the
// network layer. Text matching is the last resort for errors that crossed a
// process boundary as plain strings (remote sandbox output).
func classify(err error) verdict {
	var (
		t *TransientError
		p *PermanentError
		s *StatusError
	)
	switch {
	case err == nil:
		return unknown
	case errors.As(err, &t):
		return transient
	case errors.As(err, &p):
		return permanent
	case errors.As(err, &s):
		return classifyStatus(s.StatusCode)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return transient
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transient
	}

	text := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "no such host"} {
		if strings.Contains(text, marker) {
			return transient
		}
	}
	for _, marker := range []string{"not found", "permission denied", "invalid", "unauthorized", "forbidden"} {
		if strings.Contains(text, marker) {
			return permanent
		}
	}
	return unknown
}

func classifyStatus(code int) verdict {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout,
		code >= http.StatusInternalServerError && code != http.StatusNotImplemented:
		return transient
	case code >= http.StatusBadRequest:
		return permanent
	}
	return unknown
}

// IsTransient reports whether retrying err may succeed.
func IsTransient(err error) bool { return classify(err) == transient }

// IsPermanent reports whether err will recur on retry.
func IsPermanent(err error) bool { return classify(err) == permanent }

// IsDegraded reports whether err came from a short-circuited call.
func IsDegraded(err error) bool {
	var d *DegradedError
	return errors.As(err, &d)
}
