// Package app wires the linguavox subsystems into a running agent.
//
// The App struct owns the full lifecycle: New opens the transcript store and
// builds the [SessionManager], Run joins the configured rooms and waits, and
// Shutdown ends every lesson and releases resources in order.
//
// For testing, inject doubles via functional options (WithTranscriptStore,
// WithTemplates, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/health"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/prompt"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/transcript/pgstore"
	"github.com/MrWong99/linguavox/internal/turn"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
	"github.com/MrWong99/linguavox/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// Predictor is optional and only used when end-of-turn prediction is
	// enabled.
	Predictor vad.EndOfTurnPredictor

	// Audio connects to rooms.
	Audio audio.Platform
}

func (p *Providers) validate() error {
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("app: LLM provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("app: STT provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: TTS provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("app: VAD engine is required"))
	}
	return errors.Join(errs...)
}

// pinger is implemented by stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// breakerHealth is implemented by provider chains that track circuit state.
type breakerHealth interface {
	Healthy(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	templates *prompt.Templates
	store     TranscriptStore
	metrics   *observe.Metrics
	clock     turn.Clock
	log       *slog.Logger
	manager   *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptStore injects a store instead of opening Postgres from the
// config.
func WithTranscriptStore(s TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithTemplates injects prompt templates instead of loading
// prompts.dir.
func WithTemplates(t *prompt.Templates) Option {
	return func(a *App) { a.templates = t }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the wall clock used by turn timers.
func WithClock(c turn.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Audio == nil {
		return nil, errors.New("app: audio platform is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Prompt templates ─────────────────────────────────────────────
	if a.templates == nil {
		t, err := prompt.Load(cfg.Prompts.Dir)
		if err != nil {
			return nil, fmt.Errorf("app: load prompts: %w", err)
		}
		a.templates = t
	}

	// ── 2. Transcript store ─────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 3. Session manager ──────────────────────────────────────────────
	manager, err := NewSessionManager(SessionManagerConfig{
		Platform:  providers.Audio,
		Providers: providers,
		Templates: a.templates,
		Voices:    session.NewVoiceMap(cfg.Providers.TTS.Name, cfg.Voices),
		Session:   cfg.Session,
		VAD:       cfg.Providers.VAD,
		Store:     a.store,
		Clock:     a.clock,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.manager = manager
	return a, nil
}

// initStore opens the Postgres store when a DSN is configured and none was
// injected. Without either, transcripts are only published to the room.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Transcripts.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := pgstore.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("app: transcript store ready")
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins every configured room and blocks until ctx is cancelled. A room
// that cannot be joined is logged and skipped. It returns ctx's error.
func (a *App) Run(ctx context.Context) error {
	for _, room := range a.cfg.LiveKit.Rooms {
		if err := a.manager.Dispatch(ctx, room); err != nil {
			a.log.Error("app: dispatch configured room", "room", room, "err", err)
		}
	}
	a.log.Info("app: running", "rooms", len(a.cfg.LiveKit.Rooms))
	<-ctx.Done()
	return ctx.Err()
}

// Dispatch sends the agent into room. It satisfies the token handler's
// dispatcher.
func (a *App) Dispatch(ctx context.Context, room string) error {
	return a.manager.Dispatch(ctx, room)
}

// Sessions lists the rooms the agent is in.
func (a *App) Sessions() []SessionInfo { return a.manager.Sessions() }

// HealthCheckers returns the readiness checks for the app's dependencies.
func (a *App) HealthCheckers() []health.Checker {
	checks := []health.Checker{{
		Name: "sessions",
		Check: func(context.Context) error {
			if !a.manager.Accepting() {
				return ErrShuttingDown
			}
			return nil
		},
	}}
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "transcripts", Check: p.Ping})
	}
	for _, slot := range []struct {
		name string
		p    any
	}{
		{"llm", a.providers.LLM},
		{"stt", a.providers.STT},
		{"tts", a.providers.TTS},
	} {
		if h, ok := slot.p.(breakerHealth); ok {
			checks = append(checks, health.Checker{Name: slot.name, Check: h.Healthy})
		}
	}
	return checks
}

// Stats is the liveness payload.
type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	Sessions       []SessionInfo `json:"sessions"`
}

// Stats reports the current lessons.
func (a *App) Stats() any {
	sessions := a.manager.Sessions()
	return Stats{ActiveSessions: len(sessions), Sessions: sessions}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every lesson, then runs the closers in order. If ctx expires
// while lessons are winding down, the closers still run and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "sessions", a.manager.Active(), "closers", len(a.closers))
		if err := a.manager.StopAll(ctx); err != nil {
			a.log.Warn("app: sessions did not stop in time", "err", err)
			shutdownErr = err
		}
		a.close()
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("app: closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
