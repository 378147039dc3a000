// Package transcript carries speaker-tagged text between the conversation
// pipeline and its observers.
//
// The [Bus] fans each [Utterance] out to any number of [Subscriber]s. Publish
// never blocks the caller: every subscriber has its own unbounded queue and
// delivery goroutine, so a slow or failing subscriber only delays itself.
//
// For one role the Bus stamps strictly increasing sequence numbers, and every
// subscriber receives utterances in publish order, so the partials of an
// utterance always precede its final.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance is one transcript event. Partials (IsFinal=false) carry the text
// so far; the final carries the sealed text. All events of one utterance share
// ID.
type Utterance struct {
	ID         string
	Role       Role
	Text       string
	IsFinal    bool
	SequenceID uint64
	Start      time.Time

	// End is set on the final only.
	End time.Time
}

// Draft builds one utterance incrementally. It is not safe for concurrent use;
// each draft belongs to a single producer.
type Draft struct {
	bus    *Bus
	id     string
	role   Role
	start  time.Time
	sealed bool
	last   string
}

// NewDraft starts an utterance for role with a fresh ID.
func (b *Bus) NewDraft(role Role) *Draft {
	return &Draft{bus: b, id: uuid.NewString(), role: role, start: time.Now()}
}

// ID returns the utterance ID shared by all its events.
func (d *Draft) ID() string { return d.id }

// Text returns the most recently published text.
func (d *Draft) Text() string { return d.last }

// Update publishes text as a partial. Repeating the previous text, or calling
// Update after Seal, publishes nothing.
func (d *Draft) Update(text string) {
	if d.sealed || text == d.last {
		return
	}
	d.last = text
	_, _ = d.bus.Publish(Utterance{ID: d.id, Role: d.role, Text: text, Start: d.start})
}

// Seal publishes text as the final. Only the first call has any effect.
func (d *Draft) Seal(text string) (Utterance, error) {
	if d.sealed {
		return Utterance{}, ErrSealed
	}
	d.sealed = true
	d.last = text
	return d.bus.Publish(Utterance{ID: d.id, Role: d.role, Text: text, IsFinal: true, Start: d.start, End: time.Now()})
}

// Sealed reports whether Seal has been called.
func (d *Draft) Sealed() bool { return d.sealed }
