// Package pipeline runs one assistant turn at a time as a three-stage
// streaming pipeline: the generator produces text, the synthesizer turns
// each completed sentence into audio, and an emitter forwards that audio to
// the room in order.
//
// Stages are linked by bounded channels so a fast generator cannot run ahead
// of synthesis without limit. Synthesis of the next sentence starts while the
// current one is still being emitted. Every stage watches the run's context;
// [Coordinator.Interrupt] cancels it and flushes audio that has not been
// played.
//
// A [Coordinator] holds a run lock for the whole lifetime of a run, so a new
// run never starts before every stage of the previous one has exited.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/internal/transcript"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

const (
	// DefaultChunkQueue is the capacity of the queue of sentences waiting
	// for synthesis.
	DefaultChunkQueue = 4

	// DefaultFirstByteTimeout bounds opening a generator or synthesizer
	// stream, and then the wait for its first token or first audio.
	DefaultFirstByteTimeout = 5 * time.Second
)

var errEmptyReply = errors.New("pipeline: generator produced no text")

// Output is where a run's audio goes. [audio.Connection] satisfies it.
type Output interface {
	OutputStream() chan<- audio.AudioFrame
	Flush()
}

// Config wires a [Coordinator] to its engines.
type Config struct {
	Generator   llm.Provider
	Synthesizer tts.Provider
	Voice       tts.VoiceProfile
	Output      Output

	// Bus receives the assistant's partial and final utterances. A private
	// bus is created when nil.
	Bus *transcript.Bus

	// History is read for every generator request and extended after each
	// completed run. A fresh empty history is created when nil.
	History *History

	// ChunkQueue defaults to [DefaultChunkQueue].
	ChunkQueue int

	// FirstByteTimeout defaults to [DefaultFirstByteTimeout].
	FirstByteTimeout time.Duration

	// ApologyText, when set, is spoken after a failed run.
	ApologyText string

	Temperature float64
	MaxTokens   int

	// OnAudioStarted is called once per run when its first frame is handed
	// to Output.
	OnAudioStarted func(runID string)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Request describes one run.
type Request struct {
	// RunID identifies the run. A new ID is generated when empty.
	RunID string

	Kind Kind

	// Text is the user's text for [KindReply], the one-off instruction for
	// [KindInstructed], and the line to speak for [KindScripted].
	Text string
}

// Result describes how a run ended.
type Result struct {
	RunID string
	Kind  Kind

	// Stage is StageCompleted, StageCancelled or StageFailed.
	Stage Stage

	// Text is the assistant text produced. It may be partial for cancelled
	// and failed runs.
	Text string

	// FirstAudio is the latency from run start to the first emitted frame,
	// or zero when nothing was emitted.
	FirstAudio time.Duration

	// Err is the failure or cancellation cause. Nil for completed runs.
	Err error
}

// Coordinator executes runs one at a time. It is safe for concurrent use;
// concurrent RunTurn calls are serialised.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	runMu sync.Mutex

	mu     sync.Mutex
	active *run
}

type run struct {
	id     string
	cancel context.CancelCauseFunc
	stage  atomic.Int32

	// emitMu is held while a frame is handed to Output, so Interrupt can
	// wait out a send that raced with cancellation.
	emitMu sync.Mutex
}

func (r *run) advance(s Stage) {
	for {
		cur := r.stage.Load()
		if Stage(cur) >= s || r.stage.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// New returns a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.ChunkQueue <= 0 {
		cfg.ChunkQueue = DefaultChunkQueue
	}
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if cfg.Bus == nil {
		cfg.Bus = transcript.NewBus()
	}
	if cfg.History == nil {
		cfg.History = NewHistory("")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{cfg: cfg, log: log}
}

// History returns the dialogue history the coordinator reads and extends.
func (c *Coordinator) History() *History { return c.cfg.History }

// Active reports the ID and stage of the running run, if any.
func (c *Coordinator) Active() (runID string, stage Stage, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", 0, false
	}
	return c.active.id, Stage(c.active.stage.Load()), true
}

// Interrupt cancels the run with runID because the user barged in, then
// flushes Output. It returns false if that run is not active.
func (c *Coordinator) Interrupt(runID string) bool {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil || r.id != runID {
		return false
	}
	r.cancel(capability.ErrCancelledByInterruption)

	// Holding emitMu guarantees no frame of r reaches Output after the flush.
	r.emitMu.Lock()
	c.cfg.Output.Flush()
	r.emitMu.Unlock()
	return true
}

// CancelActive cancels whatever run is active with cause. Output is flushed
// by the run itself during teardown.
func (c *Coordinator) CancelActive(cause error) {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r != nil {
		r.cancel(cause)
	}
}

// RunTurn executes one run and blocks until all its stages have exited. It
// never retries a failed generator or synthesizer call.
func (c *Coordinator) RunTurn(ctx context.Context, req Request) Result {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{id: req.RunID, cancel: cancel}
	r.stage.Store(int32(StageGenerating))
	c.setActive(r)
	defer c.setActive(nil)

	log := c.log.With("run_id", r.id, "kind", req.Kind.String())
	start := time.Now()
	draft := c.cfg.Bus.NewDraft(transcript.RoleAssistant)

	var (
		gen        chunker
		firstAudio time.Duration
	)
	chunks := make(chan string, c.cfg.ChunkQueue)
	streams := make(chan *tts.Stream, 1)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(chunks)
		return c.generate(gctx, req, &gen, draft, chunks)
	})
	g.Go(func() error {
		defer close(streams)
		return c.synthesize(gctx, r, chunks, streams)
	})
	g.Go(func() error {
		return c.emit(gctx, r, streams, func() {
			firstAudio = time.Since(start)
			log.Debug("pipeline: first audio", "latency", firstAudio)
			if c.cfg.OnAudioStarted != nil {
				c.cfg.OnAudioStarted(r.id)
			}
		})
	})
	err := g.Wait()

	// Streams synthesized ahead of the emitter are abandoned.
	for s := range streams {
		go audio.Drain(s.Audio())
	}

	res := Result{RunID: r.id, Kind: req.Kind, Text: gen.text(), FirstAudio: firstAudio}
	switch {
	case runCtx.Err() != nil:
		res.Stage = StageCancelled
		res.Err = context.Cause(runCtx)
		if !errors.Is(res.Err, capability.ErrCancelledByInterruption) {
			c.cfg.Output.Flush()
		}
		c.sealPartial(draft, "")
		log.Info("pipeline: run cancelled", "cause", res.Err, "elapsed", time.Since(start))

	case err != nil:
		res.Stage = StageFailed
		res.Err = err
		c.cfg.Output.Flush()
		log.Error("pipeline: run failed", "stage", Stage(r.stage.Load()).String(), "kind_of_error", capability.Classify(err), "err", err)
		c.apologize(runCtx, r, draft, log)

	default:
		res.Stage = StageCompleted
		if _, serr := draft.Seal(res.Text); serr != nil {
			log.Warn("pipeline: seal assistant utterance", "err", serr)
		}
		switch req.Kind {
		case KindReply:
			c.cfg.History.append(
				llm.Message{Role: llm.RoleUser, Content: req.Text},
				llm.Message{Role: llm.RoleAssistant, Content: res.Text},
			)
		default:
			c.cfg.History.append(llm.Message{Role: llm.RoleAssistant, Content: res.Text})
		}
		log.Info("pipeline: run completed", "elapsed", time.Since(start), "first_audio", firstAudio)
	}
	r.stage.Store(int32(res.Stage))
	return res
}

func (c *Coordinator) setActive(r *run) {
	c.mu.Lock()
	c.active = r
	c.mu.Unlock()
}

// ─── Stages ──────────────────────────────────────────────────────────────────

// generate streams the reply text and queues each finished sentence.
func (c *Coordinator) generate(ctx context.Context, req Request, gen *chunker, draft *transcript.Draft, chunks chan<- string) error {
	push := func(s string) error {
		select {
		case chunks <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if req.Kind == KindScripted {
		for _, s := range gen.write(req.Text) {
			if err := push(s); err != nil {
				return err
			}
		}
		if tail := gen.flush(); tail != "" {
			if err := push(tail); err != nil {
				return err
			}
		}
		if gen.text() == "" {
			return errEmptyReply
		}
		return nil
	}

	creq := c.completionRequest(req)
	stream, err := capability.OpenWithin(ctx, c.cfg.FirstByteTimeout, "llm", func(ctx context.Context) (<-chan llm.Chunk, error) {
		return c.cfg.Generator.StreamCompletion(ctx, creq)
	})
	if err != nil {
		return fmt.Errorf("pipeline: generate: %w", err)
	}
	chunk, ok, err := capability.AwaitFirst(ctx, stream, c.cfg.FirstByteTimeout, "pipeline: generate")
	if err != nil {
		go audio.Drain(stream)
		return err
	}

	for ok {
		if err := ctx.Err(); err != nil {
			go audio.Drain(stream)
			return err
		}
		if chunk.FinishReason == llm.FinishReasonError {
			cause := chunk.Err
			if cause == nil {
				cause = capability.ErrUnavailable
			}
			return fmt.Errorf("pipeline: generate: %w", cause)
		}
		for _, s := range gen.write(chunk.Text) {
			if err := push(s); err != nil {
				go audio.Drain(stream)
				return err
			}
		}
		if clause := gen.clauseText(); clause != "" {
			draft.Update(clause)
		}
		if chunk.FinishReason != "" {
			go audio.Drain(stream)
			break
		}
		select {
		case chunk, ok = <-stream:
		case <-ctx.Done():
			go audio.Drain(stream)
			return ctx.Err()
		}
	}

	if tail := gen.flush(); tail != "" {
		if err := push(tail); err != nil {
			return err
		}
	}
	if gen.text() == "" {
		return errEmptyReply
	}
	return nil
}

// synthesize opens one synthesizer stream per sentence, in order.
func (c *Coordinator) synthesize(ctx context.Context, r *run, chunks <-chan string, streams chan<- *tts.Stream) error {
	for text := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.advance(StageSynthesizing)
		s, err := capability.OpenWithin(ctx, c.cfg.FirstByteTimeout, "tts", func(ctx context.Context) (*tts.Stream, error) {
			return c.cfg.Synthesizer.SynthesizeStream(ctx, tts.Sentence(text), c.cfg.Voice)
		})
		if err != nil {
			return fmt.Errorf("pipeline: synthesize: %w", err)
		}
		select {
		case streams <- s:
		case <-ctx.Done():
			go audio.Drain(s.Audio())
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// emit forwards every stream's audio to Output and then holds until the
// queued audio has had time to play.
func (c *Coordinator) emit(ctx context.Context, r *run, streams <-chan *tts.Stream, onFirst func()) error {
	p := c.newPlayout(r)
	for s := range streams {
		if err := p.play(ctx, s, onFirst); err != nil {
			return err
		}
	}
	return p.wait(ctx)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (c *Coordinator) completionRequest(req Request) llm.CompletionRequest {
	system := c.cfg.History.System()
	msgs := c.cfg.History.Messages()
	switch req.Kind {
	case KindReply:
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Text})
	case KindInstructed:
		if req.Text != "" {
			if system != "" {
				system += "\n\n"
			}
			system += req.Text
		}
	}
	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}
}

// sealPartial finalises an utterance that observers have already seen in
// part.
func (c *Coordinator) sealPartial(draft *transcript.Draft, text string) {
	if draft.Text() == "" {
		return
	}
	if text == "" {
		text = draft.Text()
	}
	_, _ = draft.Seal(text)
}

// apologize speaks the configured apology once. Failures are logged only.
func (c *Coordinator) apologize(ctx context.Context, r *run, draft *transcript.Draft, log *slog.Logger) {
	if c.cfg.ApologyText == "" || ctx.Err() != nil {
		c.sealPartial(draft, "")
		return
	}
	s, err := capability.OpenWithin(ctx, c.cfg.FirstByteTimeout, "tts", func(ctx context.Context) (*tts.Stream, error) {
		return c.cfg.Synthesizer.SynthesizeStream(ctx, tts.Sentence(c.cfg.ApologyText), c.cfg.Voice)
	})
	if err != nil {
		log.Warn("pipeline: apology synthesis failed", "err", err)
		c.sealPartial(draft, "")
		return
	}
	p := c.newPlayout(r)
	err = p.play(ctx, s, func() {})
	if err == nil {
		err = p.wait(ctx)
	}
	if err != nil {
		log.Warn("pipeline: apology playback failed", "err", err)
		c.sealPartial(draft, "")
		return
	}
	_, _ = draft.Seal(c.cfg.ApologyText)
}
