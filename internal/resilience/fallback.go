package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or is
// skipped by an open breaker. The last failure is wrapped alongside it so
// [capability.Classify] still sees the cause.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup]. Every entry gets its own
// breaker built from CircuitBreaker with Name set to the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels the chain in logs and metrics ("llm", "stt", "tts").
	Kind string

	// Metrics, when set, counts every attempt per entry.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered chain of interchangeable values, tried first
// to last. Entries must all be added before the group is shared; after that
// it is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup starts a chain with primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Kind != "" {
		log = log.With("chain", cfg.Kind)
	}
	fg := &FallbackGroup[T]{cfg: cfg, log: log}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends v to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	if cb.Logger == nil {
		cb.Logger = fg.log
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Len reports the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States maps every entry name to its breaker state.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Healthy returns nil while at least one entry's breaker is not open. It
// does not call the providers.
func (fg *FallbackGroup[T]) Healthy(context.Context) error {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("resilience: every %s circuit is open: %w", fg.cfg.Kind, capability.ErrUnavailable)
}

// Execute is [Do] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := Do(ctx, fg, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// Do calls fn on each entry in order until one succeeds. Entries with an
// open breaker are skipped. A cancellation, or ctx ending, stops the walk
// and is returned unwrapped. When all entries fail the result wraps
// [ErrAllFailed] and the last failure.
func Do[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var out R
		err := e.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(e.value)
			return callErr
		})
		fg.record(ctx, e.name, err)
		switch {
		case err == nil:
			if i > 0 {
				fg.log.Info("resilience: served by fallback", "provider", e.name, "position", i)
			}
			return out, nil
		case capability.IsCancellation(err):
			return zero, err
		case ctx.Err() != nil:
			return zero, context.Cause(ctx)
		case IsOpen(err):
			fg.log.Debug("resilience: skipping provider, circuit open", "provider", e.name)
		default:
			fg.log.Warn("resilience: provider failed", "provider", e.name, "kind", capability.Classify(err), "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) record(ctx context.Context, name string, err error) {
	m := fg.cfg.Metrics
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		m.RecordProviderRequest(ctx, name, fg.cfg.Kind, "ok")
	case IsOpen(err):
		m.RecordProviderRequest(ctx, name, fg.cfg.Kind, "skipped")
	default:
		m.RecordProviderRequest(ctx, name, fg.cfg.Kind, "error")
		m.RecordProviderError(ctx, name, string(capability.Classify(err)))
	}
}
