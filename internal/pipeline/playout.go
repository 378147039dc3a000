package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

// playout hands one run's audio to Output and tracks when the queued audio
// will have finished playing.
type playout struct {
	r       *run
	out     chan<- audio.AudioFrame
	format  audio.Format
	timeout time.Duration

	offset  time.Duration
	cursor  time.Time
	started bool
}

func (c *Coordinator) newPlayout(r *run) *playout {
	return &playout{
		r:       r,
		out:     c.cfg.Output.OutputStream(),
		format:  c.cfg.Synthesizer.OutputFormat(),
		timeout: c.cfg.FirstByteTimeout,
	}
}

// play forwards s until it ends. onFirst runs after the first frame of the
// playout is accepted by Output.
func (p *playout) play(ctx context.Context, s *tts.Stream, onFirst func()) error {
	pcm, ok, err := capability.AwaitFirst(ctx, s.Audio(), p.timeout, "pipeline: synthesize")
	if err != nil {
		go audio.Drain(s.Audio())
		return err
	}
	for ok {
		if len(pcm) > 0 {
			if err := p.send(ctx, pcm); err != nil {
				go audio.Drain(s.Audio())
				return err
			}
			if !p.started {
				p.started = true
				p.r.advance(StageEmitting)
				onFirst()
			}
		}
		select {
		case pcm, ok = <-s.Audio():
		case <-ctx.Done():
			go audio.Drain(s.Audio())
			return ctx.Err()
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("pipeline: synthesize: %w", err)
	}
	return nil
}

func (p *playout) send(ctx context.Context, pcm []byte) error {
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
		Timestamp:  p.offset,
	}

	p.r.emitMu.Lock()
	defer p.r.emitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.out <- frame:
	case <-ctx.Done():
		return ctx.Err()
	}

	d := frame.Duration()
	p.offset += d
	if now := time.Now(); p.cursor.Before(now) {
		p.cursor = now
	}
	p.cursor = p.cursor.Add(d)
	return nil
}

// wait blocks until the audio handed to Output has had time to play out.
func (p *playout) wait(ctx context.Context) error {
	d := time.Until(p.cursor)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
