package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "explicit transient", err: NewTransientError(errors.New("x"), ""), transient: true},
		{name: "explicit permanent", err: NewPermanentError(errors.New("x"), ""), permanent: true},
		{name: "wrapped transient", err: fmt.Errorf("upload: %w", NewTransientError(errors.New("x"), "")), transient: true},
		{name: "503", err: &StatusError{Service: "telemetry", StatusCode: http.StatusServiceUnavailable}, transient: true},
		{name: "404", err: &StatusError{Service: "telemetry", StatusCode: http.StatusNotFound}, permanent: true},
		{name: "conn refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), transient: true},
		{name: "501", err: &StatusError{Service: "sandbox", StatusCode: http.StatusNotImplemented}, permanent: true},
		{name: "429", err: &StatusError{Service: "chat", StatusCode: http.StatusTooManyRequests}, transient: true},
		{name: "not found text", err: errors.New("file not found"), permanent: true},
		{name: "unclassified", err: errors.New("exit status 2")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
			assert.Equal(t, tc.permanent, IsPermanent(tc.err))
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Service: "files", StatusCode: 500, Body: " boom \n"}
	assert.Equal(t, "files request failed: status 500: boom", err.Error())
	assert.Equal(t, "files request failed: status 502", (&StatusError{Service: "files", StatusCode: 502}).Error())
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("sink", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})
	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), ok)
	require.Error(t, err)
	var degraded *DegradedError
	require.ErrorAs(t, err, &degraded)
	assert.Positive(t, degraded.RetryAfter)
	assert.False(t, IsTransient(err))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	changes := make(chan CircuitState, 4)
	cb := NewCircuitBreaker("sandbox", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		OnStateChange:    func(_ string, _, to CircuitState) { changes <- to },
	})
	cb.Mark(errors.New("down"))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Mark(errors.New("still down"))
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, IsDegraded(cb.Allow()))

	var got []CircuitState
	for len(got) < 3 {
		select {
		case st := <-changes:
			got = append(got, st)
		case <-time.After(time.Second):
			t.Fatal("missing state change")
		}
	}
	assert.ElementsMatch(t, []CircuitState{StateOpen, StateHalfOpen, StateOpen}, got)
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	cb := NewCircuitBreaker("value", CircuitBreakerConfig{})
	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold-1; i++ {
		cb.Mark(errors.New("x"))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}
