// Package audio defines the types and interfaces for room connectivity and PCM
// stream handling within linguavox.
//
// The two primary abstractions are:
//
//   - [Platform] joins a room and returns a [Connection].
//   - [Connection] is the agent's presence in that room: the remote
//     participant's audio, the agent's own playback stream, and an
//     out-of-band data channel.
//
// Platform adapters live in sub-packages (e.g., audio/livekit). The interfaces
// are intentionally narrow to keep the session decoupled from transport details.
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change in a room.
type Event struct {
	Type EventType

	// Participant identifies who joined or left.
	Participant Participant
}

// Participant is a remote peer in the room.
type Participant struct {
	// Identity is the unique participant identity from the access token.
	Identity string

	// Name is the display name.
	Name string

	// Metadata is the opaque metadata string attached by the token issuer.
	// linguavox expects a JSON object with the learner's preferences.
	Metadata string
}

// Connection represents the agent's active presence in a room.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// RoomName is the name of the joined room.
	RoomName() string

	// RoomMetadata returns the metadata attached to the room, if any.
	RoomMetadata() string

	// WaitForParticipant blocks until a remote participant is present and
	// returns it. It returns ctx.Err() if ctx ends first.
	WaitForParticipant(ctx context.Context) (Participant, error)

	// InputStream delivers the remote participant's decoded microphone audio.
	// The channel is closed when the connection terminates.
	InputStream() <-chan AudioFrame

	// OutputStream returns the write-only channel for agent playback. Frames
	// are queued and played out in real time.
	//
	// The platform does NOT close this channel on Disconnect. Writing after
	// Disconnect drops the frame.
	OutputStream() chan<- AudioFrame

	// Flush discards every frame queued for playback that has not been sent
	// to the room yet. It is best-effort: a frame already handed to the
	// network cannot be recalled.
	Flush()

	// PublishData sends payload reliably to all participants on topic.
	PublishData(ctx context.Context, topic string, payload []byte) error

	// OnParticipantChange registers cb for join/leave events. Only one
	// callback may be registered; later calls replace earlier ones. The
	// callback runs on an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the room and releases all resources. Safe to call
	// more than once; later calls return nil.
	Disconnect() error
}

// Platform is the entry point for a room transport.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the named room and returns an active [Connection]. ctx
	// bounds the connection attempt only.
	Connect(ctx context.Context, room string) (Connection, error)
}
