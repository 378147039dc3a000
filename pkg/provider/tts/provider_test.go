package tts_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

func TestStream_FinishAndFail(t *testing.T) {
	t.Parallel()

	s := tts.NewStream(2)
	ctx := context.Background()
	if !s.Send(ctx, []byte{1}) {
		t.Fatal("Send on open stream returned false")
	}
	boom := errors.New("boom")
	s.Fail(boom)
	s.Fail(errors.New("second"))
	s.Finish()

	var n int
	for range s.Audio() {
		n++
	}
	if n != 1 {
		t.Errorf("drained %d chunks, want 1", n)
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v, want first error", s.Err())
	}
}

func TestStream_SendCancelled(t *testing.T) {
	t.Parallel()

	s := tts.NewStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Send(ctx, []byte{1}) {
		t.Error("Send with cancelled context and no reader returned true")
	}
}

func TestSentence(t *testing.T) {
	t.Parallel()

	var got []string
	for s := range tts.Sentence("Hola.") {
		got = append(got, s)
	}
	if len(got) != 1 || got[0] != "Hola." {
		t.Errorf("got %v", got)
	}
}
