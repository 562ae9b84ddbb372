// Package resilience classifies failures as transient or permanent, retries
// transient ones under exponential backoff, and probes connectivity for the
// offline queue's drain loop.
package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
)

type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkTransient tags err so Classify treats it as retryable regardless of its
// underlying type. Used by callers that know better than the type system, e.g.
// an HTTP 503 from the lock service.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// MarkPermanent tags err as not worth retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify sorts an error into transient (DNS, timeouts, connection resets,
// anything explicitly marked) or permanent (everything else: validation,
// ownership violations, not-found). Cancellation is deliberately permanent:
// retrying a cancelled operation is never right. A deadline firing is a
// timeout, and timeouts retry.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var te *transientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return ClassTransient
	}

	return ClassPermanent
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}
