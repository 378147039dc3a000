// Command linguavox is the entry point for the linguavox language tutor
// agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/linguavox/internal/app"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/health"
	"github.com/MrWong99/linguavox/internal/observe"
	"github.com/MrWong99/linguavox/internal/resilience"
	"github.com/MrWong99/linguavox/internal/tokens"
	"github.com/MrWong99/linguavox/pkg/audio/livekit"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	"github.com/MrWong99/linguavox/pkg/provider/llm/anyllm"
	"github.com/MrWong99/linguavox/pkg/provider/llm/openai"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
	"github.com/MrWong99/linguavox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
	"github.com/MrWong99/linguavox/pkg/provider/tts/cartesia"
	"github.com/MrWong99/linguavox/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/linguavox/pkg/provider/vad"
	"github.com/MrWong99/linguavox/pkg/provider/vad/energy"
	"github.com/MrWong99/linguavox/pkg/provider/vad/eot"
)

// version is set at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "linguavox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "linguavox: %v\n", err)
		}
		return 1
	}
	if *checkOnly {
		fmt.Println("linguavox: configuration OK")
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("linguavox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	platform, err := livekit.New(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret,
		livekit.WithIdentity(cfg.LiveKit.AgentIdentity),
		livekit.WithName(cfg.LiveKit.AgentName),
	)
	if err != nil {
		slog.Error("failed to create livekit platform", "err", err)
		return 1
	}
	providers.Audio = platform

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(application.HealthCheckers()...).WithStats(application.Stats).Register(mux)
	mux.Handle("GET "+cfg.Observability.MetricsPath, promhttp.Handler())

	tokenHandler, err := tokens.New(tokens.Config{
		URL:         cfg.LiveKit.URL,
		APIKey:      cfg.LiveKit.APIKey,
		APISecret:   cfg.LiveKit.APISecret,
		TTL:         cfg.LiveKit.TokenTTL,
		BearerToken: cfg.LiveKit.TokenBearer,
		Dispatcher:  application,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create token handler", "err", err)
		return 1
	}
	tokenHandler.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("agent ready, press Ctrl+C to shut down")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err, ok := <-serveErr; ok {
			slog.Error("http server error", "err", err)
			cancelRun()
		}
	}()

	exit := 0
	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// deepseek and openai speak the OpenAI chat completions API directly.
	reg.RegisterLLM("deepseek", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.NewDeepSeek(entry.APIKey, entry.Model, openaiOptions(entry)...)
	})
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(entry.APIKey, entry.Model, openaiOptions(entry)...)
	})

	// "anyllm" selects its backend from options.backend; the remaining names
	// go straight to the any-llm-go backend of the same name.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anyllm.New(entry.StringOption("backend", "deepseek"), entry.Model, anyllmOptions(entry)...)
	})
	for _, backend := range []string{"anthropic", "gemini", "mistral", "groq", "ollama"} {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(backend, entry.Model, anyllmOptions(entry)...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := entry.IntOption("sample_rate", 0); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("cartesia", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []cartesia.Option
		if entry.Model != "" {
			opts = append(opts, cartesia.WithModel(entry.Model))
		}
		if rate := entry.IntOption("sample_rate", 0); rate > 0 {
			opts = append(opts, cartesia.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, cartesia.WithEndpoint(entry.BaseURL))
		}
		return cartesia.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.StringOption("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		floor, ceiling := entry.FloatOption("floor_db", 0), entry.FloatOption("ceiling_db", 0)
		if floor != 0 || ceiling != 0 {
			opts = append(opts, energy.WithRange(floor, ceiling))
		}
		return energy.New(opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func openaiOptions(entry config.ProviderEntry) []openai.Option {
	opts := []openai.Option{openai.WithHTTPClient(observe.HTTPClient(0))}
	if entry.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(entry.BaseURL))
	}
	if org := entry.StringOption("organization", ""); org != "" {
		opts = append(opts, openai.WithOrganization(org))
	}
	return opts
}

func anyllmOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildProviders instantiates all providers named in cfg using the registry.
// Every generator, recognizer and synthesizer is wrapped in a circuit-breaking
// chain, with any configured fallbacks behind the primary.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	fbCfg := resilience.FallbackConfig{Metrics: metrics, Logger: slog.Default()}

	llmPrimary, llmFallbacks, err := build("llm", cfg.Providers.LLM, cfg.Providers.LLMFallbacks, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	llmChain := resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, fbCfg)
	for _, f := range llmFallbacks {
		llmChain.AddFallback(f.name, f.p)
	}
	ps.LLM = llmChain

	sttPrimary, sttFallbacks, err := build("stt", cfg.Providers.STT, cfg.Providers.STTFallbacks, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	sttChain := resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, fbCfg)
	for _, f := range sttFallbacks {
		sttChain.AddFallback(f.name, f.p)
	}
	ps.STT = sttChain

	ttsPrimary, ttsFallbacks, err := build("tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	ttsChain := resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, fbCfg)
	for _, f := range ttsFallbacks {
		ttsChain.AddFallback(f.name, f.p)
	}
	ps.TTS = ttsChain

	ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	if cfg.Session.EndOfTurnPrediction {
		ps.Predictor = eot.New()
		slog.Info("end-of-turn prediction enabled")
	}
	return ps, nil
}

type namedProvider[T any] struct {
	name string
	p    T
}

// build creates the primary provider of one kind and its fallbacks.
func build[T any](
	kind string,
	primary config.ProviderEntry,
	fallbacks []config.ProviderEntry,
	create func(config.ProviderEntry) (T, error),
) (T, []namedProvider[T], error) {
	var zero T
	p, err := create(primary)
	if err != nil {
		return zero, nil, err
	}
	slog.Info("provider created", "kind", kind, "name", primary.Name, "model", primary.Model)
	named := make([]namedProvider[T], 0, len(fallbacks))
	for _, entry := range fallbacks {
		fp, err := create(entry)
		if err != nil {
			return zero, nil, fmt.Errorf("%s fallback: %w", kind, err)
		}
		named = append(named, namedProvider[T]{name: entry.Name, p: fp})
		slog.Info("fallback provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	}
	return p, named, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        linguavox  startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fallbacks := len(cfg.Providers.LLMFallbacks) + len(cfg.Providers.STTFallbacks) + len(cfg.Providers.TTSFallbacks)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", fallbacks)
	fmt.Printf("║  Startup rooms   : %-19d ║\n", len(cfg.LiveKit.Rooms))
	if cfg.Transcripts.PostgresDSN != "" {
		fmt.Printf("║  Transcripts     : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Transcripts     : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
