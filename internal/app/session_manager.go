package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/prompt"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/transcript"
	"github.com/MrWong99/linguavox/internal/transcript/pgstore"
	"github.com/MrWong99/linguavox/internal/turn"
	"github.com/MrWong99/linguavox/pkg/audio"
)

// ErrShuttingDown is returned by [SessionManager.Dispatch] once
// [SessionManager.StopAll] has been called.
var ErrShuttingDown = fmt.Errorf("app: shutting down: %w", capability.ErrUnavailable)

// Lifecycle defaults.
const (
	defaultParticipantTimeout = 5 * time.Minute
	endConversationTimeout    = 5 * time.Second
)

// TranscriptStore persists lessons. *pgstore.Store satisfies it.
type TranscriptStore interface {
	pgstore.EntryWriter
	StartConversation(ctx context.Context, c pgstore.Conversation) (string, error)
	EndConversation(ctx context.Context, id string, duration time.Duration) error
}

// LessonState is the coarse lifecycle of one room.
type LessonState string

const (
	LessonJoining LessonState = "joining"
	LessonWaiting LessonState = "waiting"
	LessonActive  LessonState = "active"
)

// SessionInfo describes one room the agent is in.
type SessionInfo struct {
	Room           string              `json:"room"`
	State          LessonState         `json:"state"`
	Participant    string              `json:"participant,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Preferences    session.Preferences `json:"preferences"`
	StartedAt      time.Time           `json:"started_at"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Platform  audio.Platform
	Providers *Providers
	Templates *prompt.Templates
	Voices    session.VoiceMap

	// Session tunes every lesson. Defaults become the preferences base.
	Session config.SessionConfig

	// VAD carries the detector thresholds in its options.
	VAD config.ProviderEntry

	// Store, if set, receives every lesson's final utterances.
	Store TranscriptStore

	// ParticipantTimeout bounds the wait for a learner to join. Defaults to
	// five minutes.
	ParticipantTimeout time.Duration

	// Join retry tuning. Zero values take the package defaults.
	JoinAttempts   int
	JoinBackoff    time.Duration
	JoinMaxBackoff time.Duration

	// Clock drives the turn timers. Defaults to the wall clock.
	Clock turn.Clock

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// lesson is the manager's record of one room.
type lesson struct {
	info   SessionInfo
	leaves chan string
}

// SessionManager joins rooms and runs one conversation session per room.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg    SessionManagerConfig
	join   *joiner
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	lessons map[string]*lesson
	wg      sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	var errs []error
	if cfg.Platform == nil {
		errs = append(errs, errors.New("app: Platform is required"))
	}
	if cfg.Providers == nil {
		errs = append(errs, errors.New("app: Providers is required"))
	} else {
		errs = append(errs, cfg.Providers.validate())
	}
	if cfg.Templates == nil {
		errs = append(errs, errors.New("app: Templates is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.ParticipantTimeout <= 0 {
		cfg.ParticipantTimeout = defaultParticipantTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		cfg:     cfg,
		join:    newJoiner(cfg.Platform, cfg.JoinAttempts, cfg.JoinBackoff, cfg.JoinMaxBackoff, log),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		lessons: make(map[string]*lesson),
	}, nil
}

// Dispatch sends the agent into room. It returns once the room is joined;
// the lesson itself runs in the background until the learner leaves, the
// room closes or [SessionManager.StopAll] is called. Dispatching a room the
// agent is already in is a no-op.
func (sm *SessionManager) Dispatch(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("app: dispatch: %w: empty room name", capability.ErrMalformedInput)
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := sm.lessons[room]; ok {
		sm.mu.Unlock()
		sm.log.Debug("app: already in room", "room", room)
		return nil
	}
	l := &lesson{
		info:   SessionInfo{Room: room, State: LessonJoining},
		leaves: make(chan string, 8),
	}
	sm.lessons[room] = l
	sm.wg.Add(1)
	sm.mu.Unlock()

	// The join is bounded by both the caller and shutdown.
	jctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sm.ctx, cancel)
	conn, err := sm.join.join(jctx, room)
	stop()
	cancel()
	if err != nil {
		sm.remove(room)
		sm.wg.Done()
		return err
	}

	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventLeave {
			return
		}
		select {
		case l.leaves <- ev.Participant.Identity:
		default:
		}
	})
	sm.update(room, func(info *SessionInfo) { info.State = LessonWaiting })
	sm.log.Info("app: joined room", "room", room)

	go func() {
		defer sm.wg.Done()
		defer sm.remove(room)
		sm.run(room, l, conn)
	}()
	return nil
}

func (sm *SessionManager) run(room string, l *lesson, conn audio.Connection) {
	ctx := sm.ctx
	log := sm.log.With("room", room)
	defer func() {
		if err := conn.Disconnect(); err != nil {
			log.Warn("app: disconnect", "err", err)
		}
	}()

	wctx, cancel := context.WithTimeout(ctx, sm.cfg.ParticipantTimeout)
	p, err := conn.WaitForParticipant(wctx)
	cancel()
	if err != nil {
		log.Warn("app: no participant joined", "err", err)
		return
	}

	prefs, err := session.ResolvePreferencesWith(sm.cfg.Session.Defaults.Preferences(), conn.RoomMetadata(), p.Metadata)
	if err != nil {
		log.Warn("app: malformed preferences, using defaults",
			"participant", p.Identity,
			"kind", capability.Classify(err),
			"err", err,
		)
	}

	bus := transcript.NewBus(transcript.WithFailureHook(func(subscriber string, err error) {
		if sm.cfg.Metrics != nil {
			sm.cfg.Metrics.RecordPublishFailure(ctx, subscriber)
		}
		log.Warn("app: transcript delivery failed", "subscriber", subscriber, "err", err)
	}))
	defer bus.Close()
	bus.Subscribe("datachannel", transcript.DataChannelSubscriber(conn))

	started := time.Now()
	convID := sm.startConversation(ctx, log, bus, room, p, prefs, started)

	sess, err := session.New(sm.sessionConfig(room, conn, bus))
	if err == nil {
		err = sess.Start(ctx, prefs)
	}
	if err != nil {
		log.Error("app: start session", "err", err)
		sm.endConversation(ctx, log, convID, time.Since(started))
		return
	}

	sm.update(room, func(info *SessionInfo) {
		info.State = LessonActive
		info.Participant = p.Identity
		info.ConversationID = convID
		info.Preferences = prefs
		info.StartedAt = started
	})
	log.Info("app: lesson started",
		"participant", p.Identity,
		"target_language", prefs.TargetLanguage,
		"native_language", prefs.NativeLanguage,
		"level", prefs.Level,
		"conversation_id", convID,
	)
	sm.trackActive(1)

	reason := sm.wait(ctx, l, sess, p.Identity)

	if err := sess.Stop(); err != nil {
		log.Warn("app: stop session", "err", err)
	}
	sm.trackActive(-1)
	elapsed := time.Since(started)
	sm.endConversation(ctx, log, convID, elapsed)
	log.Info("app: lesson ended", "reason", reason, "duration", elapsed.Round(time.Second))
}

func (sm *SessionManager) trackActive(delta int64) {
	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), delta)
	}
}

// wait blocks until the lesson should end and reports why.
func (sm *SessionManager) wait(ctx context.Context, l *lesson, sess *session.Session, identity string) string {
	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-sess.Done():
			return "room closed"
		case who := <-l.leaves:
			if who == identity {
				return "participant left"
			}
		}
	}
}

func (sm *SessionManager) startConversation(ctx context.Context, log *slog.Logger, bus *transcript.Bus, room string, p audio.Participant, prefs session.Preferences, started time.Time) string {
	if sm.cfg.Store == nil {
		return ""
	}
	id, err := sm.cfg.Store.StartConversation(ctx, pgstore.Conversation{
		Room:           room,
		Participant:    p.Identity,
		TargetLanguage: prefs.TargetLanguage,
		NativeLanguage: prefs.NativeLanguage,
		Level:          prefs.Level,
		StartedAt:      started,
	})
	if err != nil {
		log.Warn("app: transcripts disabled for lesson", "err", err)
		return ""
	}
	bus.Subscribe("transcripts", pgstore.Subscriber(sm.cfg.Store, id))
	return id
}

func (sm *SessionManager) endConversation(ctx context.Context, log *slog.Logger, id string, elapsed time.Duration) {
	if id == "" || sm.cfg.Store == nil {
		return
	}
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endConversationTimeout)
	defer cancel()
	if err := sm.cfg.Store.EndConversation(ectx, id, elapsed); err != nil {
		log.Warn("app: end conversation", "conversation_id", id, "err", err)
	}
}

func (sm *SessionManager) sessionConfig(room string, conn audio.Connection, bus *transcript.Bus) session.Config {
	s := sm.cfg.Session
	p := sm.cfg.Providers
	cfg := session.Config{
		ID:                    room,
		Conn:                  conn,
		Recognizer:            p.STT,
		Detector:              p.VAD,
		Generator:             p.LLM,
		Synthesizer:           p.TTS,
		Templates:             sm.cfg.Templates,
		Voices:                sm.cfg.Voices,
		Bus:                   bus,
		SpeechThreshold:       sm.cfg.VAD.FloatOption("speech_threshold", 0),
		SilenceThreshold:      sm.cfg.VAD.FloatOption("silence_threshold", 0),
		MinSpeech:             time.Duration(sm.cfg.VAD.IntOption("min_speech_ms", 0)) * time.Millisecond,
		MinSilence:            time.Duration(sm.cfg.VAD.IntOption("min_silence_ms", 0)) * time.Millisecond,
		EndpointDelay:         s.EndpointingDelay,
		MaxEndpointDelay:      s.MaxEndpointingDelay,
		InterruptionThreshold: s.InterruptionThreshold,
		ChunkQueue:            s.ChunkQueueCapacity,
		FirstByteTimeout:      s.FirstByteTimeout,
		ApologyText:           s.ApologyText,
		Temperature:           s.Temperature,
		MaxTokens:             s.MaxTokens,
		Greeting: session.Greeting{
			Mode:            session.GreetingMode(s.Greeting),
			Text:            s.GreetingText,
			BeforeListening: s.GreetingAfterPipelineLive != nil && !*s.GreetingAfterPipelineLive,
		},
		Clock:   sm.cfg.Clock,
		Metrics: sm.cfg.Metrics,
		Logger:  sm.log,
	}
	if s.EndOfTurnPrediction {
		cfg.Predictor = p.Predictor
	}
	return cfg
}

func (sm *SessionManager) update(room string, fn func(*SessionInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if l, ok := sm.lessons[room]; ok {
		fn(&l.info)
	}
}

func (sm *SessionManager) remove(room string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.lessons, room)
}

// StopAll ends every lesson and refuses further dispatches. It waits for the
// lessons to wind down or ctx to expire.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()
	sm.cancel()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop sessions: %w", ctx.Err())
	}
}

// Accepting reports whether new rooms can be dispatched.
func (sm *SessionManager) Accepting() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return !sm.closed
}

// Active returns the number of rooms the agent is in.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.lessons)
}

// Info returns the lesson in room, if any.
func (sm *SessionManager) Info(room string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	l, ok := sm.lessons[room]
	if !ok {
		return SessionInfo{}, false
	}
	return l.info, true
}

// Sessions lists every room the agent is in, sorted by room name.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.lessons))
	for _, l := range sm.lessons {
		out = append(out, l.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.Room, b.Room) })
	return out
}
