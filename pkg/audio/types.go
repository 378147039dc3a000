package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are captured from the room, fed to the detector and recognizer, and
// produced by the synthesizer for playback.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian signed samples, interleaved when
	// Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for LiveKit Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration reports how much audio the frame holds. It returns zero for frames
// with an unknown format.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// End returns the stream offset just after the last sample in the frame.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}
