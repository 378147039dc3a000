package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/linguavox/internal/capability"
)

// ErrSealed is returned when an event is published for an utterance whose
// final has already been published.
var ErrSealed = errors.New("transcript: utterance already sealed")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("transcript: bus closed")

const defaultDeliveryTimeout = 5 * time.Second

// Subscriber receives utterances from a Bus. Deliver is called from one
// goroutine per subscriber, in publish order.
type Subscriber interface {
	Deliver(ctx context.Context, u Utterance) error
}

// SubscriberFunc adapts a function to [Subscriber].
type SubscriberFunc func(ctx context.Context, u Utterance) error

// Deliver calls f.
func (f SubscriberFunc) Deliver(ctx context.Context, u Utterance) error { return f(ctx, u) }

// Option configures a Bus.
type Option func(*Bus)

// WithDeliveryTimeout bounds a single Deliver call.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.deliveryTimeout = d
	}
}

// WithFailureHook registers fn to be called after a subscriber fails to
// deliver an event. The error wraps [capability.ErrPublishFailure].
func WithFailureHook(fn func(subscriber string, err error)) Option {
	return func(b *Bus) {
		b.onFailure = fn
	}
}

// Bus fans utterances out to subscribers. It is safe for concurrent use.
type Bus struct {
	deliveryTimeout time.Duration
	onFailure       func(string, error)

	mu     sync.Mutex
	seq    map[Role]uint64
	sealed map[string]struct{}
	subs   []*subscription
	closed bool
}

// NewBus returns an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		deliveryTimeout: defaultDeliveryTimeout,
		seq:             make(map[Role]uint64),
		sealed:          make(map[string]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers s under name and returns a function that removes it.
// Events already queued for s are still delivered after removal.
func (b *Bus) Subscribe(name string, s Subscriber) (unsubscribe func()) {
	sub := &subscription{
		name: name,
		s:    s,
		bus:  b,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cand := range b.subs {
				if cand == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			sub.stop()
		})
	}
}

// Publish stamps u with the next sequence number for its role and queues it
// for every subscriber. It never waits on a subscriber.
func (b *Bus) Publish(u Utterance) (Utterance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Utterance{}, ErrClosed
	}
	if _, ok := b.sealed[u.ID]; ok {
		return Utterance{}, fmt.Errorf("%w: %s", ErrSealed, u.ID)
	}
	if u.IsFinal {
		b.sealed[u.ID] = struct{}{}
	}
	b.seq[u.Role]++
	u.SequenceID = b.seq[u.Role]
	for _, sub := range b.subs {
		sub.enqueue(u)
	}
	return u, nil
}

// Close stops accepting events, delivers what is already queued and waits for
// every subscriber goroutine to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) reportFailure(name string, u Utterance, err error) {
	err = fmt.Errorf("transcript: deliver %s to %s: %w: %w", u.ID, name, capability.ErrPublishFailure, err)
	slog.Warn("transcript: subscriber failed", "subscriber", name, "role", u.Role, "final", u.IsFinal, "err", err)
	if b.onFailure != nil {
		b.onFailure(name, err)
	}
}

// subscription is one subscriber's queue and delivery goroutine.
type subscription struct {
	name string
	s    Subscriber
	bus  *Bus

	mu       sync.Mutex
	queue    []Utterance
	stopping bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (sub *subscription) enqueue(u Utterance) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, u)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// stop drains the queue and waits for the goroutine to exit.
func (sub *subscription) stop() {
	sub.stopOnce.Do(func() {
		sub.mu.Lock()
		sub.stopping = true
		sub.mu.Unlock()
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	})
	<-sub.done
}

func (sub *subscription) run() {
	defer close(sub.done)
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		stopping := sub.stopping
		sub.mu.Unlock()

		for _, u := range batch {
			sub.deliver(u)
		}
		if len(batch) > 0 {
			continue
		}
		if stopping {
			return
		}
		<-sub.wake
	}
}

func (sub *subscription) deliver(u Utterance) {
	ctx, cancel := context.WithTimeout(context.Background(), sub.bus.deliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			sub.bus.reportFailure(sub.name, u, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.s.Deliver(ctx, u); err != nil {
		sub.bus.reportFailure(sub.name, u, err)
	}
}
