// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify which
// VoiceProfile and text fragments reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{make([]byte, 960)}}
//	s, _ := p.SynthesizeStream(ctx, tts.Sentence("Bonjour."), voice)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile

	// Text holds every fragment read from the text channel. It is filled in
	// as the fragments arrive.
	Text []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted on every returned Stream once the text channel closes.
	Chunks [][]byte

	// FirstChunkDelay is slept before the first chunk of each stream.
	FirstChunkDelay time.Duration

	// ChunkDelay is slept between chunks.
	ChunkDelay time.Duration

	// Hold, if non-nil, blocks every stream before its first chunk until the
	// channel is closed or the context ends.
	Hold chan struct{}

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// OpenHold, if non-nil, blocks SynthesizeStream itself until OpenHold is
	// closed or the context ends. A call released by the context returns
	// the context's error.
	OpenHold chan struct{}

	// StreamErr, if non-nil, fails each stream after its chunks are sent.
	StreamErr error

	// Format is returned by OutputFormat. Zero means 24 kHz mono.
	Format audio.Format

	calls []*SynthesizeStreamCall
}

// SynthesizeStream records the call and returns a Stream driven by the
// configured fields.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	call := &SynthesizeStreamCall{Ctx: ctx, Voice: voice}
	p.calls = append(p.calls, call)
	if open := p.OpenHold; open != nil {
		p.mu.Unlock()
		select {
		case <-open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
	}
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	first, between, hold, streamErr := p.FirstChunkDelay, p.ChunkDelay, p.Hold, p.StreamErr
	p.mu.Unlock()

	s := tts.NewStream(len(chunks) + 1)
	go func() {
		for frag := range text {
			p.mu.Lock()
			call.Text = append(call.Text, frag)
			p.mu.Unlock()
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				s.Fail(ctx.Err())
				return
			}
		}
		for i, c := range chunks {
			d := between
			if i == 0 {
				d = first
			}
			if d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					s.Fail(ctx.Err())
					return
				}
			}
			if !s.Send(ctx, c) {
				s.Fail(ctx.Err())
				return
			}
		}
		if streamErr != nil {
			s.Fail(streamErr)
			return
		}
		s.Finish()
	}()
	return s, nil
}

// OutputFormat returns Format, defaulting to 24 kHz mono.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return p.Format
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.calls))
	for i, c := range p.calls {
		out[i] = SynthesizeStreamCall{Ctx: c.Ctx, Voice: c.Voice, Text: append([]string(nil), c.Text...)}
	}
	return out
}

// SpokenText joins the text of every call in order. Thread-safe.
func (p *Provider) SpokenText() string {
	var parts []string
	for _, c := range p.Calls() {
		parts = append(parts, strings.Join(c.Text, ""))
	}
	return strings.Join(parts, " ")
}

// SetSynthesizeErr changes SynthesizeErr under the lock.
func (p *Provider) SetSynthesizeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
