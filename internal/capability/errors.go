// Package capability holds the error taxonomy shared by every pluggable engine
// (recognizer, detector, generator, synthesizer) and the helpers that bound
// how long the orchestrator waits on them.
//
// Adapters wrap their transport and auth failures with [ErrUnavailable]; the
// orchestrator classifies with [errors.Is] and [Classify] and never inspects
// provider-specific error types.
package capability

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks a connection or authentication failure against an
	// external engine.
	ErrUnavailable = errors.New("capability unavailable")

	// ErrTimeout marks an engine that produced no first byte within its bound.
	ErrTimeout = errors.New("capability timeout")

	// ErrMalformedInput marks unparseable configuration or metadata. It is
	// always recovered locally by falling back to defaults.
	ErrMalformedInput = errors.New("malformed input")

	// ErrCancelledByInterruption marks a run stopped because the user barged
	// in. It is expected and never logged as a failure.
	ErrCancelledByInterruption = errors.New("cancelled by interruption")

	// ErrPublishFailure marks a single transcript subscriber that could not
	// deliver an event.
	ErrPublishFailure = errors.New("transport publish failure")
)

// Kind is the coarse classification of an error for metrics and logging.
type Kind string

const (
	KindNone        Kind = ""
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed_input"
	KindCancelled   Kind = "cancelled"
	KindPublish     Kind = "publish_failure"
	KindUnknown     Kind = "unknown"
)

// Classify maps err onto the taxonomy. A plain context cancellation is
// reported as [KindCancelled]; a context deadline as [KindTimeout]. Errors
// that match no sentinel are [KindUnknown] and treated like unavailability by
// callers.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelledByInterruption), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrMalformedInput):
		return KindMalformed
	case errors.Is(err, ErrPublishFailure):
		return KindPublish
	default:
		return KindUnknown
	}
}

// IsCancellation reports whether err only reflects a cancelled run.
func IsCancellation(err error) bool {
	return Classify(err) == KindCancelled
}
