// Package turn implements the turn-taking state machine of a conversation.
//
// A [Controller] consumes speech-onset/offset signals from the voice activity
// detector and partial/final transcripts from the recognizer, decides when the
// user has finished speaking, and tells the session when to start an
// assistant run and when to cancel one because the user barged in.
//
// All signals are serialised onto a single event loop goroutine. The loop's
// transition function is the only writer of the turn [State].
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/linguavox/pkg/provider/vad"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultEndpointDelay         = 500 * time.Millisecond
	DefaultMaxEndpointDelay      = 3 * time.Second
	DefaultInterruptionThreshold = 500 * time.Millisecond

	predictTimeout = 150 * time.Millisecond
	eventBuffer    = 256
)

// ErrTurnBusy is returned by [Controller.BeginAssistantTurn] when the floor is
// not free.
var ErrTurnBusy = errors.New("turn: another turn is in progress")

// ErrStopped is returned when the controller's event loop is no longer
// running.
var ErrStopped = errors.New("turn: controller stopped")

// Actions receives the controller's decisions. Every method is called from the
// event loop goroutine and must return promptly.
type Actions interface {
	// UserText reports the user's current turn text: all finals so far
	// followed by the latest partial.
	UserText(text string)

	// StartAssistantTurn is called once a user turn is complete and the
	// assistant is authorized to reply. runID identifies the new run.
	StartAssistantTurn(runID, userText string)

	// DiscardUserTurn is called when user speech ends without authorizing a
	// reply. text may be empty.
	DiscardUserTurn(text string)

	// Interrupt cancels the run identified by runID and flushes its unplayed
	// audio.
	Interrupt(runID string)
}

// Config tunes a [Controller].
type Config struct {
	// EndpointDelay is the silence after a speech offset that completes the
	// user's turn.
	EndpointDelay time.Duration

	// MaxEndpointDelay replaces EndpointDelay when Predictor judges the
	// user's text unfinished.
	MaxEndpointDelay time.Duration

	// InterruptionThreshold is how long user speech must last while the
	// assistant holds the floor before the run is cancelled.
	InterruptionThreshold time.Duration

	// Predictor optionally refines endpointing with a linguistic
	// end-of-turn judgement.
	Predictor vad.EndOfTurnPredictor

	// Clock drives timers. Defaults to [RealClock].
	Clock Clock

	// OnTransition, if set, observes every state change. It is called from
	// the event loop.
	OnTransition func(from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller is the turn state machine. Create one with [New] and drive its
// loop with [Controller.Run].
type Controller struct {
	cfg     Config
	actions Actions
	log     *slog.Logger

	events  chan event
	done    chan struct{}
	started atomic.Bool
	current atomic.Int32

	// Loop-owned state below.
	state         State
	speaking      bool
	finals        []string
	partial       string
	awaitingFinal bool
	runID         string
	faults        map[string]error

	endpointTimer  Timer
	endpointGen    uint64
	interruptTimer Timer
	interruptGen   uint64
}

// New creates a controller. The loop does not run until [Controller.Run] is
// called.
func New(cfg Config, actions Actions) *Controller {
	if cfg.EndpointDelay <= 0 {
		cfg.EndpointDelay = DefaultEndpointDelay
	}
	if cfg.MaxEndpointDelay < cfg.EndpointDelay {
		cfg.MaxEndpointDelay = max(DefaultMaxEndpointDelay, cfg.EndpointDelay)
	}
	if cfg.InterruptionThreshold <= 0 {
		cfg.InterruptionThreshold = DefaultInterruptionThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		actions: actions,
		log:     log,
		events:  make(chan event, eventBuffer),
		done:    make(chan struct{}),
		faults:  make(map[string]error),
	}
}

// State returns a snapshot of the current state. Safe for concurrent use.
func (c *Controller) State() State {
	return State(c.current.Load())
}

// Run processes signals until ctx is cancelled. It must be called exactly
// once. Pending timers are stopped on return.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("turn: Run called twice")
	}
	defer close(c.done)
	defer c.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// ─── Signal inputs ───────────────────────────────────────────────────────────

// Onset reports detected start of user speech.
func (c *Controller) Onset() { c.post(event{kind: evOnset}) }

// Offset reports detected end of user speech.
func (c *Controller) Offset() { c.post(event{kind: evOffset}) }

// Partial reports an interim recognizer hypothesis for the current segment.
func (c *Controller) Partial(text string) { c.post(event{kind: evPartial, text: text}) }

// Final reports a finalized recognizer segment.
func (c *Controller) Final(text string) { c.post(event{kind: evFinal, text: text}) }

// AudioStarted reports that the run's first synthesized frame reached the
// transport.
func (c *Controller) AudioStarted(runID string) { c.post(event{kind: evAudioStarted, runID: runID}) }

// RunFinished reports that the run ended, whatever the outcome.
func (c *Controller) RunFinished(runID string) { c.post(event{kind: evRunFinished, runID: runID}) }

// Fault reports that a signal source ("detector", "recognizer") failed. Turn
// authorization is suspended until [Controller.Recovered] is called for the
// same source.
func (c *Controller) Fault(source string, err error) {
	c.post(event{kind: evFault, source: source, err: err})
}

// Recovered reports that a previously faulted source works again.
func (c *Controller) Recovered(source string) { c.post(event{kind: evRecovered, source: source}) }

// BeginAssistantTurn claims the floor for an assistant run that is not a
// reply to user speech (a scripted line or a generated greeting). It returns
// the new run ID, or [ErrTurnBusy] unless the controller is Idle.
func (c *Controller) BeginAssistantTurn(ctx context.Context) (string, error) {
	reply := make(chan beginResult, 1)
	if err := c.send(ctx, event{kind: evBegin, begin: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.runID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrStopped
	}
}

// Sync blocks until every signal posted before the call has been processed.
func (c *Controller) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	if err := c.send(ctx, event{kind: evSync, ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// post delivers ev unless the loop has exited.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) send(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// ─── Event loop ──────────────────────────────────────────────────────────────

type eventKind int

const (
	evOnset eventKind = iota
	evOffset
	evPartial
	evFinal
	evAudioStarted
	evRunFinished
	evFault
	evRecovered
	evBegin
	evSync
	evEndpointExpired
	evInterruptExpired
)

type event struct {
	kind   eventKind
	text   string
	runID  string
	source string
	err    error
	gen    uint64
	begin  chan<- beginResult
	ack    chan struct{}
}

type beginResult struct {
	runID string
	err   error
}

// handle is the transition function.
func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evOnset:
		c.onOnset()
	case evOffset:
		c.onOffset()
	case evPartial:
		c.partial = strings.TrimSpace(ev.text)
		if c.partial != "" && c.state == Idle {
			c.transition(UserSpeaking)
		}
		c.actions.UserText(c.text())
	case evFinal:
		c.onFinal(strings.TrimSpace(ev.text))
	case evAudioStarted:
		if ev.runID == c.runID && c.state == AssistantGenerating {
			c.transition(AssistantSpeaking)
		}
	case evRunFinished:
		c.onRunFinished(ev.runID)
	case evFault:
		c.onFault(ev.source, ev.err)
	case evRecovered:
		if _, ok := c.faults[ev.source]; ok {
			delete(c.faults, ev.source)
			c.log.Info("turn: signal source recovered", "source", ev.source)
		}
	case evBegin:
		if c.state != Idle {
			ev.begin <- beginResult{err: ErrTurnBusy}
			return
		}
		c.runID = uuid.NewString()
		c.transition(AssistantGenerating)
		ev.begin <- beginResult{runID: c.runID}
	case evSync:
		close(ev.ack)
	case evEndpointExpired:
		c.onEndpointExpired(ev.gen)
	case evInterruptExpired:
		c.onInterruptExpired(ev.gen)
	}
}

func (c *Controller) onOnset() {
	c.speaking = true
	switch c.state {
	case Idle:
		c.transition(UserSpeaking)
	case UserEndpointPending:
		// False endpoint.
		c.cancelEndpoint()
		c.transition(UserSpeaking)
	case AssistantGenerating, AssistantSpeaking:
		if c.interruptTimer == nil {
			c.interruptGen++
			gen := c.interruptGen
			c.interruptTimer = c.cfg.Clock.AfterFunc(c.cfg.InterruptionThreshold, func() {
				c.post(event{kind: evInterruptExpired, gen: gen})
			})
		}
	}
}

func (c *Controller) onOffset() {
	c.speaking = false
	switch c.state {
	case UserSpeaking:
		c.transition(UserEndpointPending)
		c.armEndpoint()
	case AssistantGenerating, AssistantSpeaking:
		// Too short to count as a barge-in.
		c.cancelInterrupt()
	}
}

func (c *Controller) onFinal(text string) {
	if text != "" {
		c.finals = append(c.finals, text)
	}
	c.partial = ""
	c.actions.UserText(c.text())

	switch c.state {
	case UserEndpointPending:
		if c.awaitingFinal {
			c.completeUserTurn()
		}
	case Idle:
		// Speech the detector missed.
		if text != "" {
			c.transition(UserSpeaking)
			c.transition(UserEndpointPending)
			c.armEndpoint()
		}
	case UserSpeaking:
		if !c.speaking {
			c.transition(UserEndpointPending)
			c.armEndpoint()
		}
	}
}

func (c *Controller) onEndpointExpired(gen uint64) {
	if gen != c.endpointGen || c.state != UserEndpointPending {
		return
	}
	c.endpointTimer = nil
	if c.partial != "" {
		c.awaitingFinal = true
		c.log.Debug("turn: endpoint reached, waiting for final transcript")
		return
	}
	c.completeUserTurn()
}

func (c *Controller) onInterruptExpired(gen uint64) {
	if gen != c.interruptGen || !c.state.assistant() {
		return
	}
	c.interruptTimer = nil
	runID := c.runID
	c.runID = ""
	c.transition(Interrupted)
	c.actions.Interrupt(runID)
	c.transition(UserSpeaking)
	if !c.speaking {
		c.transition(UserEndpointPending)
		c.armEndpoint()
	}
}

func (c *Controller) onRunFinished(runID string) {
	if runID == "" || runID != c.runID {
		return
	}
	c.runID = ""
	c.cancelInterrupt()
	if !c.state.assistant() {
		return
	}
	if c.speaking {
		// The user started talking near the end of the reply.
		c.transition(UserSpeaking)
		return
	}
	c.transition(Idle)
	if text := c.text(); text != "" {
		c.resetText()
		c.actions.DiscardUserTurn(text)
	}
}

func (c *Controller) onFault(source string, err error) {
	c.faults[source] = err
	c.log.Error("turn: signal source failed, suspending turn authorization", "source", source, "err", err)
	switch c.state {
	case UserSpeaking, UserEndpointPending:
		c.cancelEndpoint()
		c.speaking = false
		text := c.text()
		c.resetText()
		c.actions.DiscardUserTurn(text)
		c.transition(Idle)
	case Idle:
		c.speaking = false
	}
}

// completeUserTurn ends the user's turn and authorizes a reply when allowed.
func (c *Controller) completeUserTurn() {
	text := c.text()
	c.resetText()
	c.transition(Idle)

	if text == "" {
		return
	}
	if len(c.faults) > 0 {
		c.log.Warn("turn: user turn ended while authorization is suspended", "faults", len(c.faults))
		c.actions.DiscardUserTurn(text)
		return
	}
	c.runID = uuid.NewString()
	c.transition(AssistantGenerating)
	c.actions.StartAssistantTurn(c.runID, text)
}

func (c *Controller) armEndpoint() {
	c.cancelEndpoint()
	delay := c.endpointDelay()
	c.endpointGen++
	gen := c.endpointGen
	c.endpointTimer = c.cfg.Clock.AfterFunc(delay, func() {
		c.post(event{kind: evEndpointExpired, gen: gen})
	})
}

// endpointDelay extends the base delay when the predictor thinks the user is
// mid-sentence.
func (c *Controller) endpointDelay() time.Duration {
	text := c.text()
	if c.cfg.Predictor == nil || text == "" {
		return c.cfg.EndpointDelay
	}
	ctx, cancel := context.WithTimeout(context.Background(), predictTimeout)
	defer cancel()
	done, err := c.cfg.Predictor.ProbableEndOfTurn(ctx, text)
	if err != nil {
		c.log.Debug("turn: end-of-turn prediction failed", "err", err)
		return c.cfg.EndpointDelay
	}
	if !done {
		return c.cfg.MaxEndpointDelay
	}
	return c.cfg.EndpointDelay
}

func (c *Controller) cancelEndpoint() {
	c.awaitingFinal = false
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
	c.endpointGen++
}

func (c *Controller) cancelInterrupt() {
	if c.interruptTimer != nil {
		c.interruptTimer.Stop()
		c.interruptTimer = nil
	}
	c.interruptGen++
}

func (c *Controller) stopTimers() {
	c.cancelEndpoint()
	c.cancelInterrupt()
}

func (c *Controller) text() string {
	parts := c.finals
	if c.partial != "" {
		parts = append(parts[:len(parts):len(parts)], c.partial)
	}
	return strings.Join(parts, " ")
}

func (c *Controller) resetText() {
	c.finals = nil
	c.partial = ""
	c.awaitingFinal = false
}

func (c *Controller) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.current.Store(int32(to))
	c.log.Debug("turn: transition", "from", from, "to", to)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(from, to)
	}
}
