package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
)

// Recognizer re-open parameters.
const (
	defaultReopenBackoff    = 1 * time.Second
	defaultMaxReopenBackoff = 30 * time.Second
)

// signalSink receives recognizer output and health changes. The turn
// controller satisfies it.
type signalSink interface {
	Partial(text string)
	Final(text string)
	Fault(source string, err error)
	Recovered(source string)
}

// recognizer keeps one recognizer stream open for the session. Streams are
// dialed on a background goroutine, bounded by openTimeout. When the stream fails it reports a fault, and the first audio frame
// after the backoff has elapsed starts a re-open. The backoff doubles per
// failed attempt up to maxBackoff and resets on success. Audio that arrives
// while no stream is attached is dropped.
type recognizer struct {
	provider    stt.Provider
	cfg         stt.StreamConfig
	sink        signalSink
	log         *slog.Logger
	now         func() time.Time
	backoff     time.Duration
	maxBackoff  time.Duration
	openTimeout time.Duration

	mu          sync.Mutex
	handle      stt.SessionHandle
	stopReader  context.CancelFunc
	dialing     bool
	closed      bool
	faulted     bool
	current     time.Duration
	nextAttempt time.Time

	dialCtx  context.Context
	stopDial context.CancelFunc
	wg       sync.WaitGroup
}

func newRecognizer(p stt.Provider, cfg stt.StreamConfig, sink signalSink, backoff, maxBackoff, openTimeout time.Duration, log *slog.Logger) *recognizer {
	if backoff <= 0 {
		backoff = defaultReopenBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = max(defaultMaxReopenBackoff, backoff)
	}
	return &recognizer{
		provider:    p,
		cfg:         cfg,
		sink:        sink,
		log:         log,
		now:         time.Now,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		openTimeout: openTimeout,
		current:     backoff,
	}
}

// open starts dialing a stream in the background. Streams opened later by
// send share ctx.
func (r *recognizer) open(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dialCtx == nil {
		r.dialCtx, r.stopDial = context.WithCancel(ctx)
	}
	r.dialLocked()
}

func (r *recognizer) dialLocked() {
	if r.closed || r.dialing || r.handle != nil || r.dialCtx == nil {
		return
	}
	r.dialing = true
	r.wg.Add(1)
	go r.dial(r.dialCtx)
}

func (r *recognizer) dial(ctx context.Context) {
	defer r.wg.Done()
	hctx, cancel := context.WithCancel(ctx)
	h, err := capability.OpenWithin(hctx, r.openTimeout, "stt", func(ctx context.Context) (stt.SessionHandle, error) {
		return r.provider.StartStream(ctx, r.cfg)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialing = false
	switch {
	case r.closed:
		cancel()
		if h != nil {
			_ = h.Close()
		}
		return
	case err != nil:
		cancel()
		r.fail(fmt.Errorf("session: open recognizer: %w", err))
		return
	}
	r.handle, r.stopReader = h, cancel
	r.current = r.backoff
	if r.faulted {
		r.faulted = false
		r.log.Info("session: recognizer recovered", "language", r.cfg.Language)
		r.sink.Recovered(sourceRecognizer)
	}
	r.wg.Add(1)
	go r.read(hctx, h)
}

// send forwards one mono PCM frame. When no stream is attached the frame is
// dropped, and a re-open starts once the backoff has elapsed.
func (r *recognizer) send(pcm []byte) {
	r.mu.Lock()
	h := r.handle
	if h == nil && !r.now().Before(r.nextAttempt) {
		r.dialLocked()
	}
	r.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.SendAudio(pcm); err != nil {
		r.mu.Lock()
		r.drop(h, fmt.Errorf("session: send audio: %w", err))
		r.mu.Unlock()
	}
}

// drop closes h and schedules a re-open, unless h was already replaced.
// Callers hold r.mu.
func (r *recognizer) drop(h stt.SessionHandle, err error) {
	if h == nil || h != r.handle {
		return
	}
	r.stopReader()
	_ = h.Close()
	r.handle = nil
	r.fail(err)
}

// fail schedules the next attempt. Callers hold r.mu.
func (r *recognizer) fail(err error) {
	r.nextAttempt = r.now().Add(r.current)
	r.log.Warn("session: recognizer unavailable",
		"err", err,
		"kind", capability.Classify(err),
		"retry_in", r.current,
	)
	r.current = min(r.current*2, r.maxBackoff)
	if !r.faulted {
		r.faulted = true
		r.sink.Fault(sourceRecognizer, err)
	}
}

// read forwards transcripts until the stream closes. When both partials
// and finals are ready, the partial is delivered first. An unexpected end
// is reported as a fault straight away so turn authorization stops before
// the next frame arrives. ctx is cancelled when the stream is closed on
// purpose.
func (r *recognizer) read(ctx context.Context, h stt.SessionHandle) {
	defer r.wg.Done()
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		if partials != nil {
			select {
			case t, ok := <-partials:
				if !ok {
					partials = nil
				} else {
					r.sink.Partial(t.Text)
				}
				continue
			default:
			}
		}
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			r.sink.Partial(t.Text)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.sink.Final(t.Text)
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := h.Err()
	if err == nil {
		err = fmt.Errorf("session: recognizer stream ended: %w", capability.ErrUnavailable)
	}
	r.mu.Lock()
	r.drop(h, err)
	r.mu.Unlock()
}

// close ends the current stream, abandons any dial in progress and waits
// for the background goroutines.
func (r *recognizer) close() error {
	r.mu.Lock()
	r.closed = true
	if r.stopDial != nil {
		r.stopDial()
	}
	var err error
	if r.handle != nil {
		r.stopReader()
		err = r.handle.Close()
		r.handle = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}
