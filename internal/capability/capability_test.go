package capability_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want capability.Kind
	}{
		{"nil", nil, capability.KindNone},
		{"wrapped unavailable", fmt.Errorf("deepgram: dial: %w", capability.ErrUnavailable), capability.KindUnavailable},
		{"timeout", capability.ErrTimeout, capability.KindTimeout},
		{"deadline", context.DeadlineExceeded, capability.KindTimeout},
		{"interruption", capability.ErrCancelledByInterruption, capability.KindCancelled},
		{"context cancel", fmt.Errorf("llm: %w", context.Canceled), capability.KindCancelled},
		{"malformed", capability.ErrMalformedInput, capability.KindMalformed},
		{"publish", capability.ErrPublishFailure, capability.KindPublish},
		{"other", errors.New("boom"), capability.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := capability.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestAwaitFirst_Value(t *testing.T) {
	t.Parallel()

	ch := make(chan string, 1)
	ch <- "hello"
	v, ok, err := capability.AwaitFirst(context.Background(), ch, time.Second, "llm")
	if err != nil || !ok || v != "hello" {
		t.Fatalf("AwaitFirst = (%q, %v, %v), want (hello, true, nil)", v, ok, err)
	}
}

func TestAwaitFirst_Closed(t *testing.T) {
	t.Parallel()

	ch := make(chan string)
	close(ch)
	_, ok, err := capability.AwaitFirst(context.Background(), ch, time.Second, "llm")
	if err != nil || ok {
		t.Fatalf("AwaitFirst on closed channel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestAwaitFirst_Timeout(t *testing.T) {
	t.Parallel()

	ch := make(chan string)
	_, _, err := capability.AwaitFirst(context.Background(), ch, 10*time.Millisecond, "tts")
	if !errors.Is(err, capability.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAwaitFirst_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := capability.AwaitFirst(ctx, make(chan int), time.Second, "stt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPrepend(t *testing.T) {
	t.Parallel()

	rest := make(chan int, 2)
	rest <- 2
	rest <- 3
	close(rest)

	var got []int
	for v := range capability.Prepend(context.Background(), 1, rest) {
		got = append(got, v)
	}
	if fmt.Sprint(got) != "[1 2 3]" {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestOpenWithin(t *testing.T) {
	t.Parallel()

	errDial := errors.New("dial refused")
	blocked := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		timeout time.Duration
		open    func(context.Context) (string, error)
		want    string
		wantErr error
	}{
		{
			name: "opens in time", ctx: context.Background(), timeout: time.Second,
			open: func(context.Context) (string, error) { return "stream", nil }, want: "stream",
		},
		{
			name: "open error is kept", ctx: context.Background(), timeout: time.Second,
			open: func(context.Context) (string, error) { return "", errDial }, wantErr: errDial,
		},
		{name: "hung open times out", ctx: context.Background(), timeout: 20 * time.Millisecond, open: blocked, wantErr: capability.ErrTimeout},
		{name: "caller cancellation wins", ctx: cancelled, timeout: time.Second, open: blocked, wantErr: context.Canceled},
		{
			name: "no bound", ctx: context.Background(), timeout: 0,
			open: func(context.Context) (string, error) { return "stream", nil }, want: "stream",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := capability.OpenWithin(tt.ctx, tt.timeout, "llm", tt.open)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got (%q, %v), want %q", got, err, tt.want)
			}
		})
	}
}

func TestOpenWithin_StreamOutlivesBound(t *testing.T) {
	t.Parallel()

	var streamCtx context.Context
	_, err := capability.OpenWithin(context.Background(), 10*time.Millisecond, "tts", func(ctx context.Context) (int, error) {
		streamCtx = ctx
		return 1, nil
	})
	if err != nil {
		t.Fatalf("OpenWithin: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if streamCtx.Err() != nil {
		t.Errorf("stream context ended after a successful open: %v", context.Cause(streamCtx))
	}
}
