// Package energy provides a dependency-free VAD engine that classifies frames
// by their RMS level. It is the default detector when no model-based engine
// is configured and is adequate for headset microphones in quiet rooms.
//
// Levels are mapped onto a pseudo-probability by placing the frame's dBFS
// between a floor and a ceiling, so the usual [vad.Config] thresholds apply.
// Onsets and offsets are debounced by MinSpeechMs and MinSilenceMs.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/vad"
)

const (
	defaultFloorDB    = -60.0
	defaultCeilingDB  = -20.0
	defaultMinSpeech  = 60
	defaultMinSilence = 250
)

// Option configures an Engine.
type Option func(*Engine)

// WithRange sets the dBFS floor and ceiling used to map levels to probability.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilingDB = ceilingDB
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	floorDB   float64
	ceilingDB float64
}

// New returns an Engine with the default -60..-20 dBFS range.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floorDB: defaultFloorDB, ceilingDB: defaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	if e.ceilingDB <= e.floorDB {
		return nil, fmt.Errorf("energy vad: ceiling %.1f dB must exceed floor %.1f dB", e.ceilingDB, e.floorDB)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy vad: speech threshold %.2f out of range (0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.2f exceeds speech threshold %.2f", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.MinSpeechMs <= 0 {
		cfg.MinSpeechMs = defaultMinSpeech
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = defaultMinSilence
	}
	return &session{
		cfg:    cfg,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
		floor:  e.floorDB,
		ceil:   e.ceilingDB,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

var errClosed = errors.New("energy vad: session closed")

type session struct {
	mu     sync.Mutex
	cfg    vad.Config
	format audio.Format
	floor  float64
	ceil   float64

	speaking bool
	runMs    float64 // time spent on the opposite side of the current state
	closed   bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy vad: odd PCM byte count %d", len(frame))
	}

	p := s.probability(audio.RMS(frame))
	ms := float64(s.format.Duration(len(frame)).Microseconds()) / 1000
	ev := vad.VADEvent{Probability: p}

	if !s.speaking {
		if p >= s.cfg.SpeechThreshold {
			s.runMs += ms
		} else {
			s.runMs = 0
		}
		if s.runMs >= float64(s.cfg.MinSpeechMs) {
			s.speaking = true
			s.runMs = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
		ev.Type = vad.VADSilence
		return ev, nil
	}

	if p < s.cfg.SilenceThreshold {
		s.runMs += ms
	} else {
		s.runMs = 0
	}
	if s.runMs >= float64(s.cfg.MinSilenceMs) {
		s.speaking = false
		s.runMs = 0
		ev.Type = vad.VADSpeechEnd
		return ev, nil
	}
	ev.Type = vad.VADSpeechContinue
	return ev, nil
}

func (s *session) probability(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - s.floor) / (s.ceil - s.floor)
	return math.Max(0, math.Min(1, p))
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.runMs = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
