package model

import (
	"context"
	"errors"
	"net"
)

// Error taxonomy for external call failures. Transient errors are retried
// with backoff; data errors skip the instrument for a cycle; auth errors
// escalate to the supervisor and suspend new entries.
var (
	// ErrDisconnected is returned when the feed or gateway connection is down.
	ErrDisconnected = errors.New("disconnected")

	// ErrTimeout is returned when an external call exceeded its deadline.
	// A timeout is a recoverable failure, never a silent success.
	ErrTimeout = errors.New("timeout")

	// ErrRateLimited is returned when the venue throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuth is returned on venue authentication/session failures.
	ErrAuth = errors.New("authentication failed")

	// ErrRejected is returned when the venue rejected an order outright.
	// Not retryable: resubmitting the same request will be rejected again.
	ErrRejected = errors.New("order rejected")

	// ErrInsufficientData marks instruments without enough bar history
	// for signal generation this cycle.
	ErrInsufficientData = errors.New("insufficient bar history")

	// ErrInstrumentBusy is returned when an instrument already holds a
	// position or pending retest entry.
	ErrInstrumentBusy = errors.New("instrument already held")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
