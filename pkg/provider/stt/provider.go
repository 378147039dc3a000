// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio and emits two
// streams of Transcript values: low-latency partials used for endpointing and
// live captions, and authoritative finals that become the user's utterance.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is what the session
	// delivers after resampling.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the language code for recognition (e.g., "fr", "en-US").
	// It is bound from the learner's target language at session start.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit PCM in the agreed format. Calling
	// SendAudio after the session has ended returns an error.
	SendAudio(chunk []byte) error

	// Partials returns interim transcripts. A non-empty partial means the
	// recognizer still has speech it has not committed yet. The channel is
	// closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns committed transcripts. The channel is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil if it is still
	// running or was closed by the caller. Valid once both channels are closed.
	Err() error

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Connection and authentication failures wrap capability.ErrUnavailable.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
