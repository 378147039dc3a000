// Package vad defines the Engine interface for Voice Activity Detection backends
// and the optional linguistic end-of-turn predictor.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// independent audio streams never interfere.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, which suits the frame ingestion loop that also feeds the
// recognizer.
package vad

import "context"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the nominal frame duration. Engines that need fixed-size
	// windows buffer internally.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64

	// MinSpeechMs is how long speech must persist before an onset is reported.
	MinSpeechMs int

	// MinSilenceMs is how long silence must persist before an offset is reported.
	MinSilenceMs int
}

// SessionHandle represents an active VAD session for a single audio stream.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of 16-bit PCM and returns the
	// detection result. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

// EndOfTurnPredictor is a linguistic turn-completion signal. Given the user's
// transcript so far it reports whether the user has probably finished
// speaking. The turn controller uses it to stretch the endpointing delay for
// utterances that sound unfinished.
type EndOfTurnPredictor interface {
	ProbableEndOfTurn(ctx context.Context, text string) (bool, error)
}
