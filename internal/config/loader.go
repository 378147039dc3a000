package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/linguavox/internal/session"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "deepseek", "anyllm", "anthropic", "gemini", "mistral", "groq", "ollama"},
	"stt": {"deepgram"},
	"tts": {"cartesia", "elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file in the working directory or next to path is loaded
// into the environment first; variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads each existing file in paths into the process environment.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. ${NAME} references are expanded from the
// environment before decoding.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [ApplyDefaults] first; zero durations are rejected.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative, got %s", cfg.Server.ShutdownTimeout))
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, chain := range []struct {
		kind    string
		entries []ProviderEntry
	}{
		{"llm", cfg.Providers.LLMFallbacks},
		{"stt", cfg.Providers.STTFallbacks},
		{"tts", cfg.Providers.TTSFallbacks},
	} {
		for i, e := range chain.entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", chain.kind, i))
				continue
			}
			validateProviderName(chain.kind, e.Name)
		}
	}

	errs = append(errs, validateSession(&cfg.Session)...)

	// LiveKit
	lk := cfg.LiveKit
	if lk.URL == "" {
		errs = append(errs, errors.New("livekit.url is required"))
	}
	if lk.APIKey == "" || lk.APISecret == "" {
		errs = append(errs, errors.New("livekit.api_key and livekit.api_secret are required"))
	}
	if lk.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("livekit.token_ttl must be positive, got %s", lk.TokenTTL))
	}
	for i, room := range lk.Rooms {
		if strings.TrimSpace(room) == "" {
			errs = append(errs, fmt.Errorf("livekit.rooms[%d] must not be empty", i))
		}
	}

	for lang, id := range cfg.Voices {
		if strings.TrimSpace(id) == "" {
			slog.Warn("config: empty voice override ignored", "language", lang)
		}
	}

	if cfg.Transcripts.PostgresDSN == "" {
		slog.Warn("config: transcripts.postgres_dsn is empty; transcripts will not be stored")
	}

	if p := cfg.Observability.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics_path %q must start with /", p))
	}
	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_ratio %v must be within [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateSession(s *SessionConfig) []error {
	var errs []error
	inRange := func(field string, d, lo, hi time.Duration) {
		if d < lo || d > hi {
			errs = append(errs, fmt.Errorf("session.%s must be between %s and %s, got %s", field, lo, hi, d))
		}
	}
	inRange("endpointing_delay", s.EndpointingDelay, time.Millisecond, 10*time.Second)
	inRange("max_endpointing_delay", s.MaxEndpointingDelay, time.Millisecond, 30*time.Second)
	inRange("interruption_threshold", s.InterruptionThreshold, time.Millisecond, 5*time.Second)
	inRange("first_byte_timeout", s.FirstByteTimeout, 0, time.Minute)
	if s.MaxEndpointingDelay < s.EndpointingDelay {
		errs = append(errs, fmt.Errorf("session.max_endpointing_delay (%s) must not be below session.endpointing_delay (%s)", s.MaxEndpointingDelay, s.EndpointingDelay))
	}
	if s.ChunkQueueCapacity < 1 || s.ChunkQueueCapacity > 64 {
		errs = append(errs, fmt.Errorf("session.chunk_queue_capacity must be between 1 and 64, got %d", s.ChunkQueueCapacity))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature must be between 0 and 2, got %.2f", s.Temperature))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_tokens must not be negative, got %d", s.MaxTokens))
	}

	if !s.Greeting.IsValid() {
		errs = append(errs, fmt.Errorf("session.greeting %q is invalid; valid values: generate, scripted, none", s.Greeting))
	}
	if s.Greeting == GreetingScripted && strings.TrimSpace(s.GreetingText) == "" {
		errs = append(errs, errors.New("session.greeting_text is required when session.greeting is scripted"))
	}

	d := s.Defaults
	if d.SpeakingSpeed != 0 && (d.SpeakingSpeed < session.MinSpeakingSpeed || d.SpeakingSpeed > session.MaxSpeakingSpeed) {
		errs = append(errs, fmt.Errorf("session.defaults.speaking_speed must be between %.1f and %.1f, got %.2f",
			session.MinSpeakingSpeed, session.MaxSpeakingSpeed, d.SpeakingSpeed))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
