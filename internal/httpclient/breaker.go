package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	wberrors "workbench/internal/errors"
	"workbench/internal/logging"
)

// NewWithCircuitBreaker is New plus a breaker named after the upstream
// (sandbox, telemetry). Five consecutive failures stop traffic for 30s.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithCircuitBreakerConfig(timeout, logger, name, wberrors.DefaultCircuitBreakerConfig())
}

// NewWithCircuitBreakerConfig is NewWithCircuitBreaker with explicit thresholds.
// State changes are logged at warn level unless config.OnStateChange is set.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config wberrors.CircuitBreakerConfig) *http.Client {
	logger = logging.OrNop(logger)
	if name == "" {
		name = "upstream"
	}
	if config.OnStateChange == nil {
		config.OnStateChange = func(name string, from, to wberrors.CircuitState) {
			logger.Warn("circuit %s: %s -> %s", name, from, to)
		}
	}
	client := New(timeout, logger)
	client.Transport = &breakerTransport{
		next:    client.Transport,
		breaker: wberrors.NewCircuitBreaker(name, config),
	}
	return client
}

type breakerTransport struct {
	next    http.RoundTripper
	breaker *wberrors.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Caller gave up; says nothing about upstream health.
		t.breaker.Mark(nil)
	case err != nil:
		t.breaker.Mark(err)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.breaker.Mark(fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		t.breaker.Mark(nil)
	}
	return resp, err
}
