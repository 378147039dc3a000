package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
)

// Default join parameters.
const (
	defaultJoinAttempts   = 3
	defaultJoinBackoff    = 1 * time.Second
	defaultJoinMaxBackoff = 30 * time.Second
)

// joiner connects to a room, retrying failed attempts with exponential
// backoff. Cancellation of ctx ends the retries immediately.
type joiner struct {
	platform   audio.Platform
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

func newJoiner(p audio.Platform, attempts int, backoff, maxBackoff time.Duration, log *slog.Logger) *joiner {
	if attempts <= 0 {
		attempts = defaultJoinAttempts
	}
	if backoff <= 0 {
		backoff = defaultJoinBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultJoinMaxBackoff
	}
	return &joiner{platform: p, attempts: attempts, backoff: backoff, maxBackoff: maxBackoff, log: log}
}

func (j *joiner) join(ctx context.Context, room string) (audio.Connection, error) {
	wait := j.backoff
	var lastErr error
	for attempt := 1; attempt <= j.attempts; attempt++ {
		conn, err := j.platform.Connect(ctx, room)
		if err == nil {
			if attempt > 1 {
				j.log.Info("app: joined room after retry", "room", room, "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err
		if capability.IsCancellation(err) || ctx.Err() != nil {
			break
		}
		if attempt == j.attempts {
			break
		}
		j.log.Warn("app: join attempt failed",
			"room", room,
			"attempt", attempt,
			"max_attempts", j.attempts,
			"backoff", wait,
			"err", err,
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("app: join %q: %w", room, ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, j.maxBackoff)
	}
	return nil, fmt.Errorf("app: join %q: %w", room, lastErr)
}
