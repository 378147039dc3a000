// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and they expose exported fields that control results.
//
// Typical usage:
//
//	conn := mock.NewConnection("lesson-1")
//	conn.RoomMetadataResult = `{"target_language":"fr"}`
//	conn.In <- audio.AudioFrame{...}
//	frame := <-conn.Out
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/linguavox/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// DataPacket records one [Connection.PublishData] call.
type DataPacket struct {
	Topic   string
	Payload []byte
}

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// Name is returned by RoomName.
	Name string

	// RoomMetadataResult is returned by RoomMetadata.
	RoomMetadataResult string

	// Participant is returned by WaitForParticipant. When ParticipantErr is
	// set it is returned instead.
	Participant    audio.Participant
	ParticipantErr error

	// In is returned by InputStream. Tests send user audio on it.
	In chan audio.AudioFrame

	// Out is returned by OutputStream. Tests receive assistant audio from it.
	Out chan audio.AudioFrame

	// PublishErr, if non-nil, is returned by every PublishData call.
	PublishErr error

	// DisconnectErr is returned by Disconnect.
	DisconnectErr error

	// Published records every successful PublishData call.
	Published []DataPacket

	FlushCount      int
	DisconnectCount int

	callbacks []func(audio.Event)
}

// NewConnection returns a Connection with buffered In and Out channels.
func NewConnection(room string) *Connection {
	return &Connection{
		Name: room,
		In:   make(chan audio.AudioFrame, 64),
		Out:  make(chan audio.AudioFrame, 1024),
	}
}

// RoomName implements [audio.Connection].
func (c *Connection) RoomName() string { return c.Name }

// RoomMetadata implements [audio.Connection].
func (c *Connection) RoomMetadata() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RoomMetadataResult
}

// WaitForParticipant implements [audio.Connection].
func (c *Connection) WaitForParticipant(ctx context.Context) (audio.Participant, error) {
	if err := ctx.Err(); err != nil {
		return audio.Participant{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ParticipantErr != nil {
		return audio.Participant{}, c.ParticipantErr
	}
	return c.Participant, nil
}

// InputStream implements [audio.Connection].
func (c *Connection) InputStream() <-chan audio.AudioFrame { return c.In }

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.Out }

// Flush implements [audio.Connection]. Frames waiting in Out are discarded.
func (c *Connection) Flush() {
	c.mu.Lock()
	c.FlushCount++
	c.mu.Unlock()
	for {
		select {
		case <-c.Out:
		default:
			return
		}
	}
}

// PublishData implements [audio.Connection].
func (c *Connection) PublishData(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.Published = append(c.Published, DataPacket{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Packets returns a copy of the recorded data packets.
func (c *Connection) Packets() []DataPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DataPacket, len(c.Published))
	copy(out, c.Published)
	return out
}

// Flushes returns FlushCount under the lock.
func (c *Connection) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FlushCount
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// EmitEvent calls every registered participant callback with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCount++
	return c.DisconnectErr
}

// Disconnects returns DisconnectCount under the lock.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DisconnectCount
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// Connections maps a room name to the connection Connect returns. A new
	// [NewConnection] is created and stored for unknown rooms.
	Connections map[string]*Connection

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// Rooms records every room passed to Connect.
	Rooms []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, room string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Rooms = append(p.Rooms, room)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Connections == nil {
		p.Connections = make(map[string]*Connection)
	}
	c, ok := p.Connections[room]
	if !ok {
		c = NewConnection(room)
		p.Connections[room] = c
	}
	return c, nil
}

// Connection returns the connection created for room, or nil.
func (p *Platform) Connection(room string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Connections[room]
}

// ConnectCalls returns a copy of Rooms.
func (p *Platform) ConnectCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Rooms...)
}

var _ audio.Platform = (*Platform)(nil)
