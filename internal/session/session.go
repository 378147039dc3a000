// Package session runs one tutoring conversation in a room.
//
// A [Session] binds the capability engines to the learner's preferences and
// wires them together: audio frames flow from the room into the detector and
// the recognizer, the turn controller decides when the assistant may speak,
// and the pipeline coordinator produces the spoken reply. Transcript events
// for both speakers are published on a [transcript.Bus].
//
// Once started, a session keeps running through capability failures. Only
// [Session.Stop] ends it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/pipeline"
	"github.com/MrWong99/linguavox/internal/prompt"
	"github.com/MrWong99/linguavox/internal/transcript"
	"github.com/MrWong99/linguavox/internal/turn"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
	"github.com/MrWong99/linguavox/pkg/provider/vad"
)

var (
	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("session: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("session: stopped")
)

const (
	sourceDetector   = "detector"
	sourceRecognizer = "recognizer"
)

// listenFormat is what the detector and the recognizer are fed.
var listenFormat = audio.ToMono16k

// GreetingMode selects how a session opens the conversation.
type GreetingMode string

const (
	// GreetingGenerate has the generator write the greeting. It is the
	// default.
	GreetingGenerate GreetingMode = "generate"

	// GreetingScripted speaks Greeting.Text verbatim.
	GreetingScripted GreetingMode = "scripted"

	// GreetingNone starts silently.
	GreetingNone GreetingMode = "none"
)

// Greeting configures the session's opening line.
type Greeting struct {
	Mode GreetingMode

	// Text is spoken in scripted mode.
	Text string

	// BeforeListening discards user audio until the greeting has finished.
	// By default the greeting is issued once the pipeline is live, so the
	// user can interrupt it.
	BeforeListening bool
}

// Config wires a [Session]. Conn, Recognizer, Detector, Generator,
// Synthesizer and Templates are required.
type Config struct {
	// ID identifies the session in logs. A random ID is not generated; the
	// room name is used when empty.
	ID string

	Conn        audio.Connection
	Recognizer  stt.Provider
	Detector    vad.Engine
	Predictor   vad.EndOfTurnPredictor
	Generator   llm.Provider
	Synthesizer tts.Provider
	Templates   *prompt.Templates
	Voices      VoiceMap

	// Bus receives both speakers' utterances. A private bus is created, and
	// closed by Stop, when nil.
	Bus *transcript.Bus

	// Detector tuning. Zero fields take the defaults below.
	SpeechThreshold  float64
	SilenceThreshold float64
	MinSpeech        time.Duration
	MinSilence       time.Duration

	// Turn timing. Zero values take the turn package defaults.
	EndpointDelay         time.Duration
	MaxEndpointDelay      time.Duration
	InterruptionThreshold time.Duration

	// Pipeline tuning. Zero values take the pipeline package defaults.
	ChunkQueue       int
	FirstByteTimeout time.Duration
	ApologyText      string
	Temperature      float64
	MaxTokens        int

	Greeting Greeting

	// RecognizerBackoff is the wait before a failed recognizer stream is
	// re-opened. It doubles per failure up to RecognizerMaxBackoff.
	RecognizerBackoff    time.Duration
	RecognizerMaxBackoff time.Duration

	// Clock drives the turn timers. Defaults to the wall clock.
	Clock turn.Clock

	// Metrics, if set, records runs and turn transitions.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Detector defaults.
const (
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultMinSpeech        = 60 * time.Millisecond
	defaultMinSilence       = 100 * time.Millisecond
	detectorFrameMs         = 20
)

// Session is one conversation. Create it with [New], then call
// [Session.Start]. All exported methods are safe for concurrent use.
type Session struct {
	cfg    Config
	log    *slog.Logger
	bus    *transcript.Bus
	ownBus bool

	mu      sync.Mutex
	started bool
	stopped bool

	// Set by Start and read-only afterwards.
	prefs   Preferences
	voice   tts.VoiceProfile
	history *pipeline.History
	coord   *pipeline.Coordinator
	ctrl    *turn.Controller
	rec     *recognizer
	det     vad.SessionHandle
	ctx     context.Context
	cancel  context.CancelCauseFunc
	g       *errgroup.Group

	runMu   sync.Mutex
	closing bool
	runs    map[string]context.CancelCauseFunc
	runWG   sync.WaitGroup

	stopOnce sync.Once
	stopErr  error

	done     chan struct{}
	doneOnce sync.Once

	// Owned by the controller loop.
	userDraft *transcript.Draft

	// Owned by the ingestion goroutine.
	detectorDown bool
}

// New validates cfg and returns an unstarted session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Conn == nil {
		errs = append(errs, errors.New("session: Conn is required"))
	}
	if cfg.Recognizer == nil {
		errs = append(errs, errors.New("session: Recognizer is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("session: Detector is required"))
	}
	if cfg.Generator == nil {
		errs = append(errs, errors.New("session: Generator is required"))
	}
	if cfg.Synthesizer == nil {
		errs = append(errs, errors.New("session: Synthesizer is required"))
	}
	if cfg.Templates == nil {
		errs = append(errs, errors.New("session: Templates is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.ID == "" {
		cfg.ID = cfg.Conn.RoomName()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:  cfg,
		log:  log.With("session_id", cfg.ID),
		bus:  cfg.Bus,
		runs: make(map[string]context.CancelCauseFunc),
		done: make(chan struct{}),
	}
	if s.bus == nil {
		s.bus = transcript.NewBus()
		s.ownBus = true
	}
	return s, nil
}

// Start binds the engines to prefs and begins consuming room audio. The
// session lives until Stop is called or ctx is cancelled.
func (s *Session) Start(ctx context.Context, prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return ErrAlreadyStarted
	}

	prefs = prefs.Normalize()
	det, err := s.cfg.Detector.NewSession(s.detectorConfig())
	if err != nil {
		return fmt.Errorf("session: open detector: %w", err)
	}

	s.prefs = prefs
	s.voice = s.cfg.Voices.Profile(prefs)
	s.history = pipeline.NewHistory(s.cfg.Templates.System(prompt.Params{
		TargetLanguage: prefs.TargetLanguage,
		NativeLanguage: prefs.NativeLanguage,
		Level:          prefs.Level,
	}))
	s.det = det
	s.ctx, s.cancel = context.WithCancelCause(observe.ContextWithSession(ctx, s.cfg.ID))

	s.ctrl = turn.New(turn.Config{
		EndpointDelay:         s.cfg.EndpointDelay,
		MaxEndpointDelay:      s.cfg.MaxEndpointDelay,
		InterruptionThreshold: s.cfg.InterruptionThreshold,
		Predictor:             s.cfg.Predictor,
		Clock:                 s.cfg.Clock,
		OnTransition:          s.onTransition,
		Logger:                s.log,
	}, turnActions{s})

	s.coord = pipeline.New(pipeline.Config{
		Generator:        s.cfg.Generator,
		Synthesizer:      s.cfg.Synthesizer,
		Voice:            s.voice,
		Output:           s.cfg.Conn,
		Bus:              s.bus,
		History:          s.history,
		ChunkQueue:       s.cfg.ChunkQueue,
		FirstByteTimeout: s.cfg.FirstByteTimeout,
		ApologyText:      s.cfg.ApologyText,
		Temperature:      s.cfg.Temperature,
		MaxTokens:        s.cfg.MaxTokens,
		OnAudioStarted:   s.ctrl.AudioStarted,
		Logger:           s.log,
	})

	s.rec = newRecognizer(s.cfg.Recognizer, stt.StreamConfig{
		SampleRate: listenFormat.SampleRate,
		Channels:   listenFormat.Channels,
		Language:   prefs.TargetLanguage,
	}, s.ctrl, s.cfg.RecognizerBackoff, s.cfg.RecognizerMaxBackoff, s.openTimeout(), s.log)

	s.userDraft = s.bus.NewDraft(transcript.RoleUser)

	g, gctx := errgroup.WithContext(s.ctx)
	s.g = g
	g.Go(func() error { return s.ctrl.Run(gctx) })

	// A failed first open is reported as a fault; ingestion retries.
	s.rec.open(gctx)

	listening := make(chan struct{})
	g.Go(func() error { return s.ingest(gctx, listening) })
	g.Go(func() error {
		if s.cfg.Greeting.BeforeListening {
			defer close(listening)
		} else {
			close(listening)
		}
		s.greet(gctx)
		return nil
	})

	s.started = true
	s.log.Info("session: started",
		"room", s.cfg.Conn.RoomName(),
		"target_language", prefs.TargetLanguage,
		"native_language", prefs.NativeLanguage,
		"level", prefs.Level,
		"speed", prefs.SpeakingSpeed,
		"voice", s.voice.ID,
	)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), 1)
	}
	return nil
}

// SayScripted speaks text verbatim without calling the generator. It waits
// for the floor to be free and for the run to finish.
func (s *Session) SayScripted(ctx context.Context, text string) (pipeline.Result, error) {
	return s.speak(ctx, pipeline.KindScripted, text)
}

// GenerateReply has the generator speak from the history plus instructions.
// The instructions are not stored in the history.
func (s *Session) GenerateReply(ctx context.Context, instructions string) (pipeline.Result, error) {
	return s.speak(ctx, pipeline.KindInstructed, instructions)
}

// Stop cancels the active run, stops audio consumption and releases the
// engine bindings. It is idempotent; every call returns the first result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Session) stop() error {
	defer s.markDone()
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	if !started {
		if s.ownBus {
			s.bus.Close()
		}
		return nil
	}

	s.runMu.Lock()
	s.closing = true
	for _, cancel := range s.runs {
		cancel(ErrStopped)
	}
	s.runMu.Unlock()
	s.cancel(ErrStopped)

	var errs []error
	if err := s.g.Wait(); err != nil {
		errs = append(errs, err)
	}
	s.runWG.Wait()
	if err := s.rec.close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close recognizer: %w", err))
	}
	if err := s.det.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close detector: %w", err))
	}
	if s.ownBus {
		s.bus.Close()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Info("session: stopped", "history_messages", s.history.Len())
	return errors.Join(errs...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Done is closed once the room's input stream ends or the session is
// stopped. The owner still has to call [Session.Stop].
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) markDone() { s.doneOnce.Do(func() { close(s.done) }) }

// Bus returns the bus the session publishes utterances on.
func (s *Session) Bus() *transcript.Bus { return s.bus }

// Preferences returns the resolved preferences. Zero before Start.
func (s *Session) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Voice returns the bound synthesizer voice. Zero before Start.
func (s *Session) Voice() tts.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// History returns the dialogue history, or nil before Start.
func (s *Session) History() *pipeline.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// State returns the current turn state.
func (s *Session) State() turn.State {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return turn.Idle
	}
	return ctrl.State()
}

// Sync waits until the turn controller has processed every signal posted so
// far. Intended for tests.
func (s *Session) Sync(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.ctrl.Sync(ctx)
}

// ─── Runs ────────────────────────────────────────────────────────────────────

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case !s.started:
		return ErrNotStarted
	}
	return nil
}

func (s *Session) speak(ctx context.Context, kind pipeline.Kind, text string) (pipeline.Result, error) {
	if err := s.ready(); err != nil {
		return pipeline.Result{}, err
	}
	runID, err := s.ctrl.BeginAssistantTurn(ctx)
	if errors.Is(err, turn.ErrStopped) {
		return pipeline.Result{}, ErrStopped
	}
	if err != nil {
		return pipeline.Result{}, err
	}
	runCtx, ok := s.registerRun(runID)
	if !ok {
		s.ctrl.RunFinished(runID)
		return pipeline.Result{}, ErrStopped
	}
	stop := context.AfterFunc(ctx, func() { s.cancelRun(runID, context.Cause(ctx)) })
	defer stop()
	return s.execute(runCtx, pipeline.Request{RunID: runID, Kind: kind, Text: text}), nil
}

// registerRun makes runID cancellable before its goroutine starts, so an
// interruption that arrives first is not lost.
func (s *Session) registerRun(runID string) (context.Context, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closing {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(s.ctx)
	s.runs[runID] = cancel
	s.runWG.Add(1)
	return ctx, true
}

func (s *Session) cancelRun(runID string, cause error) {
	s.runMu.Lock()
	cancel := s.runs[runID]
	s.runMu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

func (s *Session) execute(ctx context.Context, req pipeline.Request) pipeline.Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", s.cfg.ID),
		attribute.String("run.id", req.RunID),
		attribute.String("run.kind", req.Kind.String()),
	))
	res := s.coord.RunTurn(ctx, req)
	span.SetAttributes(attribute.String("run.stage", res.Stage.String()))
	if res.Err != nil && !capability.IsCancellation(res.Err) {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(capability.Classify(res.Err)))
	}
	span.End()

	s.runMu.Lock()
	if cancel := s.runs[req.RunID]; cancel != nil {
		cancel(nil)
		delete(s.runs, req.RunID)
	}
	s.runMu.Unlock()
	s.runWG.Done()

	s.ctrl.RunFinished(req.RunID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRun(context.WithoutCancel(ctx), req.Kind.String(), res.Stage.String(), res.FirstAudio, time.Since(start))
	}
	return res
}

func (s *Session) greet(ctx context.Context) {
	var (
		res pipeline.Result
		err error
	)
	switch s.cfg.Greeting.Mode {
	case GreetingNone:
		return
	case GreetingScripted:
		text := strings.TrimSpace(s.cfg.Greeting.Text)
		if text == "" {
			s.log.Warn("session: scripted greeting has no text")
			return
		}
		res, err = s.SayScripted(ctx, text)
	default:
		res, err = s.GenerateReply(ctx, prompt.Greeting(s.prefs.TargetLanguage))
	}
	switch {
	case errors.Is(err, ErrStopped), ctx.Err() != nil:
	case err != nil:
		s.log.Info("session: greeting skipped", "err", err)
	default:
		s.log.Debug("session: greeting finished", "stage", res.Stage.String())
	}
}

// ─── Ingestion ───────────────────────────────────────────────────────────────

// ingest feeds room audio to the detector and the recognizer. Frames that
// arrive before listening is closed are dropped.
func (s *Session) ingest(ctx context.Context, listening <-chan struct{}) error {
	in := s.cfg.Conn.InputStream()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				s.log.Info("session: input stream closed")
				s.markDone()
				return nil
			}
			select {
			case <-listening:
			default:
				continue
			}
			s.ingestFrame(f)
		}
	}
}

func (s *Session) ingestFrame(f audio.AudioFrame) {
	frame, err := audio.Convert(f, listenFormat)
	if err != nil {
		s.log.Debug("session: drop input frame", "err", err)
		return
	}
	s.detect(frame.Data)
	s.rec.send(frame.Data)
}

func (s *Session) detect(pcm []byte) {
	ev, err := s.det.ProcessFrame(pcm)
	if err != nil {
		if !s.detectorDown {
			s.detectorDown = true
			s.log.Warn("session: detector failed", "err", err)
			s.ctrl.Fault(sourceDetector, fmt.Errorf("session: detect: %w", err))
		}
		return
	}
	if s.detectorDown {
		s.detectorDown = false
		s.log.Info("session: detector recovered")
		s.ctrl.Recovered(sourceDetector)
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		s.ctrl.Onset()
	case vad.VADSpeechEnd:
		s.ctrl.Offset()
	}
}

// openTimeout bounds a recognizer dial the same way a run's first byte is
// bounded.
func (s *Session) openTimeout() time.Duration {
	if s.cfg.FirstByteTimeout > 0 {
		return s.cfg.FirstByteTimeout
	}
	return pipeline.DefaultFirstByteTimeout
}

func (s *Session) detectorConfig() vad.Config {
	cfg := vad.Config{
		SampleRate:       listenFormat.SampleRate,
		FrameSizeMs:      detectorFrameMs,
		SpeechThreshold:  s.cfg.SpeechThreshold,
		SilenceThreshold: s.cfg.SilenceThreshold,
		MinSpeechMs:      int(s.cfg.MinSpeech.Milliseconds()),
		MinSilenceMs:     int(s.cfg.MinSilence.Milliseconds()),
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		cfg.SilenceThreshold = min(defaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = int(defaultMinSpeech.Milliseconds())
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = int(defaultMinSilence.Milliseconds())
	}
	return cfg
}

func (s *Session) onTransition(from, to turn.State) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordTransition(context.Background(), from.String(), to.String())
	}
}

// ─── Turn actions ────────────────────────────────────────────────────────────

// turnActions receives the controller's decisions on its loop goroutine.
type turnActions struct{ s *Session }

var _ turn.Actions = turnActions{}

func (a turnActions) UserText(text string) {
	a.s.userDraft.Update(text)
}

func (a turnActions) StartAssistantTurn(runID, userText string) {
	s := a.s
	s.sealUser(userText)
	ctx, ok := s.registerRun(runID)
	if !ok {
		s.ctrl.RunFinished(runID)
		return
	}
	go s.execute(ctx, pipeline.Request{RunID: runID, Kind: pipeline.KindReply, Text: userText})
}

func (a turnActions) DiscardUserTurn(text string) {
	a.s.log.Debug("session: user turn discarded", "text", text)
	a.s.sealUser(text)
}

func (a turnActions) Interrupt(runID string) {
	s := a.s
	s.log.Info("session: user interrupted", "run_id", runID)
	s.cancelRun(runID, capability.ErrCancelledByInterruption)
	s.coord.Interrupt(runID)
}

// sealUser finalises the user's utterance. Called on the controller loop.
func (s *Session) sealUser(text string) {
	text = strings.TrimSpace(text)
	if text == "" && s.userDraft.Text() == "" {
		return
	}
	if text == "" {
		text = s.userDraft.Text()
	}
	if _, err := s.userDraft.Seal(text); err != nil && !errors.Is(err, transcript.ErrClosed) {
		s.log.Warn("session: seal user utterance", "err", err)
	}
	s.userDraft = s.bus.NewDraft(transcript.RoleUser)
}
