// Package config defines the configuration schema for the linguavox agent
// and provides a [Registry] that maps provider names to their constructors.
//
// Configuration is loaded from a YAML file (see [Load]) or any [io.Reader]
// (see [LoadFromReader]). Environment variables referenced as ${NAME} are
// expanded before parsing. After parsing, [Validate] checks semantic
// constraints such as duration ranges and the greeting mode.
package config

import (
	"time"

	"github.com/MrWong99/linguavox/internal/session"
)

// LogLevel controls the verbosity of the application logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	}
	return false
}

// GreetingMode selects how the agent opens a lesson.
type GreetingMode string

const (
	// GreetingGenerate asks the language model for a greeting.
	GreetingGenerate GreetingMode = "generate"

	// GreetingScripted speaks [SessionConfig.GreetingText] verbatim.
	GreetingScripted GreetingMode = "scripted"

	// GreetingNone waits for the learner to speak first.
	GreetingNone GreetingMode = "none"
)

// IsValid reports whether m is a recognised greeting mode. The empty string
// is accepted and means [GreetingGenerate].
func (m GreetingMode) IsValid() bool {
	switch m {
	case GreetingGenerate, GreetingScripted, GreetingNone, "":
		return true
	}
	return false
}

// Config is the root configuration structure for the agent.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Session       SessionConfig       `yaml:"session"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Voices        map[string]string   `yaml:"voices"`
	LiveKit       LiveKitConfig       `yaml:"livekit"`
	Transcripts   TranscriptsConfig   `yaml:"transcripts"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address for health, metrics and token routes
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown of sessions and the server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig selects the provider for each pipeline stage.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	// Fallbacks are tried in order when the primary provider's circuit is
	// open or it fails before producing output.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the configuration for a single provider instance.
type ProviderEntry struct {
	// Name selects the registered factory (e.g., "deepseek", "deepgram").
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options carries provider-specific settings (language, sample_rate, ...).
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes turn taking and reply generation for every lesson.
type SessionConfig struct {
	EndpointingDelay      time.Duration `yaml:"endpointing_delay"`
	MaxEndpointingDelay   time.Duration `yaml:"max_endpointing_delay"`
	InterruptionThreshold time.Duration `yaml:"interruption_threshold"`

	// ChunkQueueCapacity bounds the sentences buffered between the language
	// model and the synthesizer.
	ChunkQueueCapacity int `yaml:"chunk_queue_capacity"`

	// FirstByteTimeout bounds the wait for the first generated token and the
	// first synthesized frame. Zero disables it.
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout"`

	// ApologyText is spoken when a reply cannot be generated.
	ApologyText string `yaml:"apology_text"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	Greeting     GreetingMode `yaml:"greeting"`
	GreetingText string       `yaml:"greeting_text"`

	// GreetingAfterPipelineLive starts listening before the greeting is
	// spoken, so the learner can interrupt it. Defaults to true.
	GreetingAfterPipelineLive *bool `yaml:"greeting_after_pipeline_live"`

	// EndOfTurnPrediction enables the end-of-turn predictor.
	EndOfTurnPrediction bool `yaml:"end_of_turn_prediction"`

	// Defaults apply when the room and participant carry no preferences.
	Defaults PreferencesConfig `yaml:"defaults"`
}

// PreferencesConfig mirrors the learner preferences carried in metadata.
type PreferencesConfig struct {
	TargetLanguage string  `yaml:"target_language"`
	NativeLanguage string  `yaml:"native_language"`
	Level          string  `yaml:"level"`
	SpeakingSpeed  float64 `yaml:"speaking_speed"`
}

// PromptsConfig locates the system prompt templates.
type PromptsConfig struct {
	// Dir overrides the embedded templates when set.
	Dir string `yaml:"dir"`
}

// LiveKitConfig holds the credentials and rooms for the media server.
type LiveKitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Rooms are joined at startup. Further rooms are joined on demand when a
	// token is issued for them.
	Rooms []string `yaml:"rooms"`

	AgentIdentity string `yaml:"agent_identity"`
	AgentName     string `yaml:"agent_name"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	// TokenBearer, when set, protects the token endpoint.
	TokenBearer string `yaml:"token_bearer"`
}

// TranscriptsConfig configures durable transcript storage.
type TranscriptsConfig struct {
	// PostgresDSN enables the transcript store when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ObservabilityConfig names the service and the metrics route.
type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of root traces recorded. Zero records
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr            = ":8080"
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultEndpointingDelay      = 500 * time.Millisecond
	DefaultMaxEndpointingDelay   = 3 * time.Second
	DefaultInterruptionThreshold = 500 * time.Millisecond
	DefaultChunkQueueCapacity    = 4
	DefaultFirstByteTimeout      = 5 * time.Second
	DefaultAgentIdentity         = "linguavox-agent"
	DefaultTokenTTL              = 6 * time.Hour
	DefaultServiceName           = "linguavox-agent"
	DefaultMetricsPath           = "/metrics"
	DefaultVAD                   = "energy"
)

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVAD
	}

	ss := &cfg.Session
	if ss.EndpointingDelay == 0 {
		ss.EndpointingDelay = DefaultEndpointingDelay
	}
	if ss.MaxEndpointingDelay == 0 {
		ss.MaxEndpointingDelay = max(DefaultMaxEndpointingDelay, ss.EndpointingDelay)
	}
	if ss.InterruptionThreshold == 0 {
		ss.InterruptionThreshold = DefaultInterruptionThreshold
	}
	if ss.ChunkQueueCapacity == 0 {
		ss.ChunkQueueCapacity = DefaultChunkQueueCapacity
	}
	if ss.FirstByteTimeout == 0 {
		ss.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if ss.Greeting == "" {
		ss.Greeting = GreetingGenerate
	}
	if ss.GreetingAfterPipelineLive == nil {
		live := true
		ss.GreetingAfterPipelineLive = &live
	}

	lk := &cfg.LiveKit
	if lk.AgentIdentity == "" {
		lk.AgentIdentity = DefaultAgentIdentity
	}
	if lk.TokenTTL == 0 {
		lk.TokenTTL = DefaultTokenTTL
	}

	o := &cfg.Observability
	if o.ServiceName == "" {
		o.ServiceName = DefaultServiceName
	}
	if o.MetricsPath == "" {
		o.MetricsPath = DefaultMetricsPath
	}
}

// Preferences converts p into session preferences, filling unset fields
// with the package defaults.
func (p PreferencesConfig) Preferences() session.Preferences {
	return session.Preferences{
		TargetLanguage: p.TargetLanguage,
		NativeLanguage: p.NativeLanguage,
		Level:          p.Level,
		SpeakingSpeed:  p.SpeakingSpeed,
	}.Normalize()
}

// StringOption returns Options[key] as a string, or def when it is absent
// or not a string.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def. YAML integers and
// floats are both accepted.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// FloatOption returns Options[key] as a float64, or def.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
