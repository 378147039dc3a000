// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a streaming speech synthesis service (e.g., Cartesia or
// ElevenLabs) and presents a uniform interface. SynthesizeStream accepts a
// channel of text fragments and returns a [Stream] that emits raw 16-bit PCM
// as it becomes available, so the first audio of a reply can play while later
// sentences are still being generated.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/linguavox/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a Stream
	// emitting PCM in [Provider.OutputFormat]. Synthesis completes once text
	// is closed and all of its audio has been delivered, or when ctx is
	// cancelled.
	//
	// Returns a non-nil error only if the stream cannot be started; connection
	// and authentication failures wrap capability.ErrUnavailable. Failures
	// after start are reported by [Stream.Err].
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (*Stream, error)

	// OutputFormat is the PCM format of every Stream this provider returns.
	OutputFormat() audio.Format
}

// Stream is the audio side of one synthesis request. A single producer
// goroutine calls Send and then exactly one of Finish or Fail; any number of
// readers may drain Audio and call Err.
type Stream struct {
	audio chan []byte

	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewStream returns a Stream whose audio channel holds up to buf chunks.
func NewStream(buf int) *Stream {
	return &Stream{audio: make(chan []byte, buf)}
}

// Audio returns the PCM chunk channel. It is closed when synthesis ends.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Send delivers one chunk. It returns false if ctx ended first, in which case
// the producer should stop.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	select {
	case s.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish closes the audio channel. Safe to call more than once.
func (s *Stream) Finish() {
	s.once.Do(func() { close(s.audio) })
}

// Fail records err and closes the audio channel. The first recorded error wins.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Finish()
}

// Err returns the error that ended synthesis early, or nil. It is meaningful
// once Audio has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Sentence is a convenience for callers that synthesise exactly one fragment:
// it returns a closed channel pre-loaded with text.
func Sentence(text string) <-chan string {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return ch
}
