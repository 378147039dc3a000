package turn_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/turn"
	"github.com/MrWong99/linguavox/internal/turn/turntest"
	vadmock "github.com/MrWong99/linguavox/pkg/provider/vad/mock"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type startCall struct {
	runID string
	text  string
	at    time.Time
}

// recordingActions captures every controller decision.
type recordingActions struct {
	clock *turntest.FakeClock

	mu         sync.Mutex
	texts      []string
	starts     []startCall
	discards   []string
	interrupts []string
}

func (a *recordingActions) UserText(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

func (a *recordingActions) StartAssistantTurn(runID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, startCall{runID: runID, text: text, at: a.clock.Now()})
}

func (a *recordingActions) DiscardUserTurn(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discards = append(a.discards, text)
}

func (a *recordingActions) Interrupt(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts = append(a.interrupts, runID)
}

func (a *recordingActions) Starts() []startCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.starts)
}

func (a *recordingActions) Discards() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.discards)
}

func (a *recordingActions) Interrupts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.interrupts)
}

type harness struct {
	t       *testing.T
	ctrl    *turn.Controller
	clock   *turntest.FakeClock
	actions *recordingActions

	mu          sync.Mutex
	transitions []turn.State
}

func newHarness(t *testing.T, mutate func(*turn.Config)) *harness {
	t.Helper()
	clock := turntest.NewFakeClock(epoch)
	h := &harness{t: t, clock: clock, actions: &recordingActions{clock: clock}}
	cfg := turn.Config{
		Clock: clock,
		OnTransition: func(_, to turn.State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, to)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.ctrl = turn.New(cfg, h.actions)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// sync waits for the loop to drain every posted signal.
func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Sync(ctx); err != nil {
		h.t.Fatalf("Sync: %v", err)
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) Transitions() []turn.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.transitions)
}

func (h *harness) wantState(want turn.State) {
	h.t.Helper()
	if got := h.ctrl.State(); got != want {
		h.t.Fatalf("state = %s, want %s", got, want)
	}
}

// userTurn speaks text and stops, leaving the endpoint timer running.
func (h *harness) userTurn(text string) {
	h.ctrl.Onset()
	h.ctrl.Final(text)
	h.ctrl.Offset()
	h.sync()
}

func TestController_AuthorizesExactlyAtEndpointDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("bonjour")
	h.wantState(turn.UserEndpointPending)

	h.advance(499 * time.Millisecond)
	if n := len(h.actions.Starts()); n != 0 {
		t.Fatalf("turn authorized early: %d starts at t=499ms", n)
	}

	h.advance(time.Millisecond)
	starts := h.actions.Starts()
	if len(starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(starts))
	}
	if starts[0].text != "bonjour" {
		t.Errorf("text = %q, want %q", starts[0].text, "bonjour")
	}
	if got := starts[0].at.Sub(epoch); got != 500*time.Millisecond {
		t.Errorf("authorized at t=%v, want 500ms", got)
	}
	if starts[0].runID == "" {
		t.Error("expected non-empty run ID")
	}
	h.wantState(turn.AssistantGenerating)

	want := []turn.State{turn.UserSpeaking, turn.UserEndpointPending, turn.Idle, turn.AssistantGenerating}
	if got := h.Transitions(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestController_ShortGapsNeverEndTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	gaps := []time.Duration{100 * time.Millisecond, 499 * time.Millisecond, 250 * time.Millisecond, 10 * time.Millisecond}
	h.ctrl.Onset()
	h.ctrl.Final("je voudrais")
	h.sync()
	for _, gap := range gaps {
		h.ctrl.Offset()
		h.sync()
		h.advance(gap)
		h.ctrl.Onset()
		h.sync()
		h.advance(time.Second)
	}

	if n := len(h.actions.Starts()); n != 0 {
		t.Fatalf("starts = %d, want 0", n)
	}
	if slices.Contains(h.Transitions(), turn.Idle) {
		t.Errorf("controller reached Idle during short gaps: %v", h.Transitions())
	}
	h.wantState(turn.UserSpeaking)
}

func TestController_PendingPartialWaitsForFinal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Onset()
	h.ctrl.Partial("je suis")
	h.ctrl.Offset()
	h.sync()
	h.advance(2 * time.Second)

	if n := len(h.actions.Starts()); n != 0 {
		t.Fatalf("authorized with a pending partial")
	}
	h.wantState(turn.UserEndpointPending)

	h.ctrl.Final("je suis prêt")
	h.sync()
	starts := h.actions.Starts()
	if len(starts) != 1 || starts[0].text != "je suis prêt" {
		t.Fatalf("starts = %+v, want one start with final text", starts)
	}
}

func TestController_MultipleFinalsJoined(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Onset()
	h.ctrl.Final("hola")
	h.ctrl.Final("  ")
	h.ctrl.Final("qué tal")
	h.ctrl.Offset()
	h.sync()
	h.advance(500 * time.Millisecond)

	starts := h.actions.Starts()
	if len(starts) != 1 || starts[0].text != "hola qué tal" {
		t.Fatalf("starts = %+v, want text %q", starts, "hola qué tal")
	}
}

func TestController_EmptyTurnDoesNotAuthorize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Onset()
	h.ctrl.Offset()
	h.sync()
	h.advance(500 * time.Millisecond)

	if n := len(h.actions.Starts()); n != 0 {
		t.Fatalf("starts = %d, want 0", n)
	}
	h.wantState(turn.Idle)
}

func TestController_FinalWithoutOnset(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Final("ciao")
	h.sync()
	h.wantState(turn.UserEndpointPending)

	h.advance(500 * time.Millisecond)
	if starts := h.actions.Starts(); len(starts) != 1 || starts[0].text != "ciao" {
		t.Fatalf("starts = %+v", starts)
	}
}

func TestController_AudioStartedMovesToSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("hello")
	h.advance(500 * time.Millisecond)
	runID := h.actions.Starts()[0].runID

	h.ctrl.AudioStarted("someone-else")
	h.sync()
	h.wantState(turn.AssistantGenerating)

	h.ctrl.AudioStarted(runID)
	h.sync()
	h.wantState(turn.AssistantSpeaking)

	h.ctrl.RunFinished(runID)
	h.sync()
	h.wantState(turn.Idle)
}

func TestController_Interruption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		speakFor    time.Duration
		wantCancels int
		wantState   turn.State
	}{
		{name: "brief noise ignored", speakFor: 300 * time.Millisecond, wantCancels: 0, wantState: turn.AssistantSpeaking},
		{name: "just under threshold", speakFor: 499 * time.Millisecond, wantCancels: 0, wantState: turn.AssistantSpeaking},
		{name: "sustained speech interrupts", speakFor: 500 * time.Millisecond, wantCancels: 1, wantState: turn.UserSpeaking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)

			h.userTurn("tell me a story")
			h.advance(500 * time.Millisecond)
			runID := h.actions.Starts()[0].runID
			h.ctrl.AudioStarted(runID)
			h.sync()

			h.ctrl.Onset()
			h.sync()
			h.advance(tt.speakFor)
			if tt.wantCancels == 0 {
				h.ctrl.Offset()
				h.sync()
				h.advance(time.Second)
			}

			interrupts := h.actions.Interrupts()
			if len(interrupts) != tt.wantCancels {
				t.Fatalf("interrupts = %d, want %d", len(interrupts), tt.wantCancels)
			}
			if tt.wantCancels > 0 {
				if interrupts[0] != runID {
					t.Errorf("interrupted run %q, want %q", interrupts[0], runID)
				}
				if !slices.Contains(h.Transitions(), turn.Interrupted) {
					t.Error("expected a pass through Interrupted")
				}
			}
			h.wantState(tt.wantState)
		})
	}
}

func TestController_InterruptedRunFinishIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("one")
	h.advance(500 * time.Millisecond)
	runID := h.actions.Starts()[0].runID
	h.ctrl.AudioStarted(runID)
	h.ctrl.Onset()
	h.sync()
	h.advance(500 * time.Millisecond)
	h.wantState(turn.UserSpeaking)

	// The cancelled run reports its teardown late.
	h.ctrl.RunFinished(runID)
	h.sync()
	h.wantState(turn.UserSpeaking)

	h.ctrl.Final("actually, wait")
	h.ctrl.Offset()
	h.sync()
	h.advance(500 * time.Millisecond)

	starts := h.actions.Starts()
	if len(starts) != 2 || starts[1].text != "actually, wait" {
		t.Fatalf("starts = %+v, want barge-in text to start second run", starts)
	}
	if starts[1].runID == runID {
		t.Error("second run reused the first run ID")
	}
}

func TestController_InterruptDuringGenerating(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("question")
	h.advance(500 * time.Millisecond)
	h.ctrl.Onset()
	h.sync()
	h.advance(500 * time.Millisecond)

	if n := len(h.actions.Interrupts()); n != 1 {
		t.Fatalf("interrupts = %d, want 1", n)
	}
	h.wantState(turn.UserSpeaking)
}

func TestController_RunFinishedWhileUserTalking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("question")
	h.advance(500 * time.Millisecond)
	runID := h.actions.Starts()[0].runID
	h.ctrl.AudioStarted(runID)
	h.ctrl.Onset()
	h.ctrl.RunFinished(runID)
	h.sync()

	h.wantState(turn.UserSpeaking)
	h.advance(time.Second)
	if n := len(h.actions.Interrupts()); n != 0 {
		t.Errorf("interrupts = %d, want 0 after run finished", n)
	}
}

func TestController_BackchannelDiscardedAfterRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("question")
	h.advance(500 * time.Millisecond)
	runID := h.actions.Starts()[0].runID
	h.ctrl.AudioStarted(runID)
	h.ctrl.Onset()
	h.ctrl.Final("mm-hmm")
	h.ctrl.Offset()
	h.sync()
	h.ctrl.RunFinished(runID)
	h.sync()

	h.wantState(turn.Idle)
	if got := h.actions.Discards(); !slices.Equal(got, []string{"mm-hmm"}) {
		t.Errorf("discards = %v, want [mm-hmm]", got)
	}
}

func TestController_BeginAssistantTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	runID, err := h.ctrl.BeginAssistantTurn(ctx)
	if err != nil {
		t.Fatalf("BeginAssistantTurn: %v", err)
	}
	if runID == "" {
		t.Fatal("expected run ID")
	}
	h.wantState(turn.AssistantGenerating)

	if _, err := h.ctrl.BeginAssistantTurn(ctx); !errors.Is(err, turn.ErrTurnBusy) {
		t.Errorf("second BeginAssistantTurn err = %v, want ErrTurnBusy", err)
	}

	h.ctrl.RunFinished(runID)
	h.sync()
	if _, err := h.ctrl.BeginAssistantTurn(ctx); err != nil {
		t.Errorf("BeginAssistantTurn after finish: %v", err)
	}
}

func TestController_BeginWhileUserSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Onset()
	h.sync()
	if _, err := h.ctrl.BeginAssistantTurn(context.Background()); !errors.Is(err, turn.ErrTurnBusy) {
		t.Errorf("err = %v, want ErrTurnBusy", err)
	}
}

func TestController_FaultSuspendsAuthorization(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.Onset()
	h.ctrl.Final("partial thought")
	h.ctrl.Fault("recognizer", errors.New("socket closed"))
	h.sync()
	h.wantState(turn.Idle)
	if got := h.actions.Discards(); !slices.Equal(got, []string{"partial thought"}) {
		t.Fatalf("discards = %v", got)
	}

	h.userTurn("are you there")
	h.advance(500 * time.Millisecond)
	if n := len(h.actions.Starts()); n != 0 {
		t.Fatalf("authorized while suspended")
	}
	h.wantState(turn.Idle)

	h.ctrl.Recovered("recognizer")
	h.userTurn("are you there")
	h.advance(500 * time.Millisecond)
	if starts := h.actions.Starts(); len(starts) != 1 {
		t.Fatalf("starts = %d after recovery, want 1", len(starts))
	}
}

func TestController_FaultDuringRunKeepsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.userTurn("hello")
	h.advance(500 * time.Millisecond)
	runID := h.actions.Starts()[0].runID
	h.ctrl.Fault("detector", errors.New("decode"))
	h.sync()
	h.wantState(turn.AssistantGenerating)

	h.ctrl.RunFinished(runID)
	h.sync()
	h.wantState(turn.Idle)
}

func TestController_PredictorStretchesDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		finished bool
		err      error
		wantAt   time.Duration
	}{
		{name: "finished sentence", finished: true, wantAt: 500 * time.Millisecond},
		{name: "unfinished sentence", finished: false, wantAt: 3 * time.Second},
		{name: "predictor error", err: errors.New("boom"), wantAt: 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pred := &vadmock.Predictor{Result: tt.finished, Err: tt.err}
			h := newHarness(t, func(cfg *turn.Config) { cfg.Predictor = pred })

			h.userTurn("I think that")
			h.advance(tt.wantAt - time.Millisecond)
			if n := len(h.actions.Starts()); n != 0 {
				t.Fatalf("authorized before %v", tt.wantAt)
			}
			h.advance(time.Millisecond)
			starts := h.actions.Starts()
			if len(starts) != 1 {
				t.Fatalf("starts = %d, want 1", len(starts))
			}
			if got := starts[0].at.Sub(epoch); got != tt.wantAt {
				t.Errorf("authorized at %v, want %v", got, tt.wantAt)
			}
		})
	}
}

func TestController_StoppedLoop(t *testing.T) {
	t.Parallel()
	ctrl := turn.New(turn.Config{Clock: turntest.NewFakeClock(epoch)}, &recordingActions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Signals after shutdown are dropped without blocking.
	ctrl.Onset()
	if _, err := ctrl.BeginAssistantTurn(context.Background()); !errors.Is(err, turn.ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
	if err := ctrl.Run(context.Background()); err == nil {
		t.Error("expected error on second Run")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if got := turn.AssistantSpeaking.String(); got != "assistant_speaking" {
		t.Errorf("String() = %q", got)
	}
	if got := turn.State(99).String(); got != "unknown" {
		t.Errorf("String() = %q", got)
	}
}
