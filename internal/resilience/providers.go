package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

// Failover in every wrapper below covers opening a stream only. Once a
// stream is handed out, its errors belong to the caller: part of a reply may
// already be spoken, and partial transcripts may already be published.

// ─── Generator ───────────────────────────────────────────────────────────────

// LLMFallback is an [llm.Provider] backed by a [FallbackGroup].
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback starts a generator chain with primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{NewFallbackGroup(primary, name, cfg)}
}

func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(ctx, f.FallbackGroup, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.Primary().Capabilities()
}

// ─── Recognizer ──────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] backed by a [FallbackGroup]. Sessions
// reopen their stream through it after a failure, so a recognizer whose
// breaker opened is passed over on the next attempt.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback starts a recognizer chain with primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{NewFallbackGroup(primary, name, cfg)}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// ─── Synthesizer ─────────────────────────────────────────────────────────────

// TTSFallback is a [tts.Provider] backed by a [FallbackGroup]. Audio from a
// fallback with a different output format is resampled to the primary's, so
// callers only ever see [TTSFallback.OutputFormat].
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
	format audio.Format
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback starts a synthesizer chain with primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		FallbackGroup: NewFallbackGroup(primary, name, cfg),
		format:        primary.OutputFormat(),
	}
}

func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	return Do(ctx, f.FallbackGroup, func(p tts.Provider) (*tts.Stream, error) {
		s, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if src := p.OutputFormat(); src != f.format {
			return convertStream(ctx, s, src, f.format), nil
		}
		return s, nil
	})
}

// OutputFormat is the primary's format.
func (f *TTSFallback) OutputFormat() audio.Format { return f.format }

// convertStream resamples every chunk of in from src to dst.
func convertStream(ctx context.Context, in *tts.Stream, src, dst audio.Format) *tts.Stream {
	out := tts.NewStream(cap(in.Audio()))
	go func() {
		defer audio.Drain(in.Audio())
		for pcm := range in.Audio() {
			frame, err := audio.Convert(audio.AudioFrame{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels}, dst)
			if err != nil {
				out.Fail(fmt.Errorf("resilience: convert %s to %s: %w", src, dst, err))
				return
			}
			if !out.Send(ctx, frame.Data) {
				out.Fail(ctx.Err())
				return
			}
		}
		if err := in.Err(); err != nil {
			out.Fail(err)
			return
		}
		out.Finish()
	}()
	return out
}
