package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/linguavox/internal/capability"
)

// Preference defaults applied to missing or empty metadata fields.
const (
	DefaultTargetLanguage = "en"
	DefaultNativeLanguage = "es"
	DefaultLevel          = "beginner"
	DefaultSpeakingSpeed  = 1.0

	MinSpeakingSpeed = 0.5
	MaxSpeakingSpeed = 2.0
)

// Preferences describe the learner a session is tutoring.
type Preferences struct {
	TargetLanguage string  `json:"target_language"`
	NativeLanguage string  `json:"native_language"`
	Level          string  `json:"level"`
	SpeakingSpeed  float64 `json:"speaking_speed"`
}

// DefaultPreferences returns the preferences used when metadata says nothing.
func DefaultPreferences() Preferences {
	return Preferences{
		TargetLanguage: DefaultTargetLanguage,
		NativeLanguage: DefaultNativeLanguage,
		Level:          DefaultLevel,
		SpeakingSpeed:  DefaultSpeakingSpeed,
	}
}

// rawPreferences mirrors the metadata JSON. speaking_speed is kept raw so
// both 1.2 and "1.2" are accepted.
type rawPreferences struct {
	TargetLanguage string          `json:"target_language"`
	NativeLanguage string          `json:"native_language"`
	Level          string          `json:"level"`
	SpeakingSpeed  json.RawMessage `json:"speaking_speed"`
}

// ParsePreferences decodes session metadata. Empty metadata yields the
// defaults. Malformed metadata also yields the defaults for every field that
// could not be read, together with an error wrapping
// [capability.ErrMalformedInput]; callers log it and carry on.
func ParsePreferences(metadata string) (Preferences, error) {
	return parseOnto(DefaultPreferences(), metadata)
}

func parseOnto(p Preferences, metadata string) (Preferences, error) {
	metadata = strings.TrimSpace(metadata)
	if metadata == "" {
		return p, nil
	}

	var raw rawPreferences
	if err := json.Unmarshal([]byte(metadata), &raw); err != nil {
		return p, fmt.Errorf("session: parse metadata: %w: %w", capability.ErrMalformedInput, err)
	}

	if v := normalizeCode(raw.TargetLanguage); v != "" {
		p.TargetLanguage = v
	}
	if v := normalizeCode(raw.NativeLanguage); v != "" {
		p.NativeLanguage = v
	}
	if v := normalizeCode(raw.Level); v != "" {
		p.Level = v
	}

	speed, err := parseSpeed(raw.SpeakingSpeed)
	if err != nil {
		return p, fmt.Errorf("session: parse metadata: %w: %w", capability.ErrMalformedInput, err)
	}
	if speed != 0 {
		p.SpeakingSpeed = speed
	}
	return p, nil
}

// ResolvePreferences parses the first source that carries any metadata.
// Room metadata is passed first, participant metadata second.
func ResolvePreferences(sources ...string) (Preferences, error) {
	return ResolvePreferencesWith(DefaultPreferences(), sources...)
}

// ResolvePreferencesWith is [ResolvePreferences] with base supplying the
// fields the metadata leaves out.
func ResolvePreferencesWith(base Preferences, sources ...string) (Preferences, error) {
	base = base.Normalize()
	for _, src := range sources {
		if isEmptyMetadata(src) {
			continue
		}
		return parseOnto(base, src)
	}
	return base, nil
}

// Normalize fills empty fields with defaults and clamps the speed.
func (p Preferences) Normalize() Preferences {
	d := DefaultPreferences()
	if p.TargetLanguage = normalizeCode(p.TargetLanguage); p.TargetLanguage == "" {
		p.TargetLanguage = d.TargetLanguage
	}
	if p.NativeLanguage = normalizeCode(p.NativeLanguage); p.NativeLanguage == "" {
		p.NativeLanguage = d.NativeLanguage
	}
	if p.Level = normalizeCode(p.Level); p.Level == "" {
		p.Level = d.Level
	}
	if p.SpeakingSpeed == 0 {
		p.SpeakingSpeed = d.SpeakingSpeed
	}
	p.SpeakingSpeed = min(max(p.SpeakingSpeed, MinSpeakingSpeed), MaxSpeakingSpeed)
	return p
}

// JSON renders p as session metadata.
func (p Preferences) JSON() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func parseSpeed(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("speaking_speed %q is not a number", s)
		}
		v = f
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("speaking_speed: %w", err)
	}
	if v < MinSpeakingSpeed || v > MaxSpeakingSpeed {
		return 0, fmt.Errorf("speaking_speed %g outside [%g, %g]", v, MinSpeakingSpeed, MaxSpeakingSpeed)
	}
	return v, nil
}

func normalizeCode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isEmptyMetadata(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "{}" || s == "null"
}

// IsMalformed reports whether err came from unreadable metadata.
func IsMalformed(err error) bool {
	return errors.Is(err, capability.ErrMalformedInput)
}
