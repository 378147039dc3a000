package livekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 256
	frameDuration       = opusFrameSizeMs * time.Millisecond
)

// inputFormat is what the remote participant's audio is converted to before
// it is handed downstream.
var inputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// sampleWriter is the part of *lksdk.LocalTrack the send loop needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// dataPublisher sends one reliable data packet on topic.
type dataPublisher func(payload []byte, topic string) error

// Connection adapts a joined LiveKit room to [audio.Connection]. It follows
// the first remote participant that joins: only that participant's audio
// tracks are decoded into the input stream.
//
// Connection is safe for concurrent use.
type Connection struct {
	roomName string
	roomMeta func() string
	identity string

	track      sampleWriter
	publish    dataPublisher
	newEncoder func() (frameEncoder, error)
	newDecoder func() (frameDecoder, error)

	inputMu     sync.RWMutex
	input       chan audio.AudioFrame
	inputClosed bool

	output  chan audio.AudioFrame
	flushCh chan chan struct{}

	partMu       sync.Mutex
	participants []audio.Participant
	linked       string
	joined       chan struct{} // closed and replaced when a participant joins

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// disconnectRoom leaves the room. Nil in tests.
	disconnectRoom func()
}

func newConnection(roomName, identity string) *Connection {
	return &Connection{
		roomName:   roomName,
		roomMeta:   func() string { return "" },
		identity:   identity,
		newEncoder: newOpusEncoder,
		newDecoder: newOpusDecoder,
		input:      make(chan audio.AudioFrame, inputChannelBuffer),
		output:     make(chan audio.AudioFrame, outputChannelBuffer),
		flushCh:    make(chan chan struct{}),
		joined:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start launches the send loop. track and publish must be set.
func (c *Connection) start() error {
	enc, err := c.newEncoder()
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.sendLoop(enc)
	return nil
}

// RoomName implements audio.Connection.
func (c *Connection) RoomName() string { return c.roomName }

// RoomMetadata implements audio.Connection.
func (c *Connection) RoomMetadata() string { return c.roomMeta() }

// InputStream implements audio.Connection.
func (c *Connection) InputStream() <-chan audio.AudioFrame { return c.input }

// OutputStream implements audio.Connection.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// WaitForParticipant implements audio.Connection.
func (c *Connection) WaitForParticipant(ctx context.Context) (audio.Participant, error) {
	for {
		c.partMu.Lock()
		if len(c.participants) > 0 {
			p := c.participants[0]
			c.partMu.Unlock()
			return p, nil
		}
		joined := c.joined
		c.partMu.Unlock()

		select {
		case <-joined:
		case <-ctx.Done():
			return audio.Participant{}, ctx.Err()
		case <-c.done:
			return audio.Participant{}, errors.New("livekit: connection closed")
		}
	}
}

// Flush implements audio.Connection. It blocks until the send loop has
// dropped its pending audio.
func (c *Connection) Flush() {
	ack := make(chan struct{})
	select {
	case c.flushCh <- ack:
	case <-c.done:
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// PublishData implements audio.Connection.
func (c *Connection) PublishData(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("livekit: publish %s: connection closed: %w", topic, capability.ErrPublishFailure)
	default:
	}
	if err := c.publish(payload, topic); err != nil {
		return fmt.Errorf("livekit: publish %s: %w: %w", topic, capability.ErrPublishFailure, err)
	}
	return nil
}

// OnParticipantChange implements audio.Connection.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect implements audio.Connection.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.inputMu.Lock()
		c.inputClosed = true
		c.inputMu.Unlock()

		if c.disconnectRoom != nil {
			c.disconnectRoom()
		}
		c.wg.Wait()
		close(c.input)
	})
	return nil
}

// ---- participants ----

func (c *Connection) participantJoined(p audio.Participant) {
	if p.Identity == c.identity {
		return
	}
	c.partMu.Lock()
	for _, existing := range c.participants {
		if existing.Identity == p.Identity {
			c.partMu.Unlock()
			return
		}
	}
	c.participants = append(c.participants, p)
	if c.linked == "" {
		c.linked = p.Identity
	}
	close(c.joined)
	c.joined = make(chan struct{})
	c.partMu.Unlock()

	slog.Info("livekit: participant joined", "room", c.roomName, "participant", p.Identity)
	c.emitEvent(audio.Event{Type: audio.EventJoin, Participant: p})
}

func (c *Connection) participantLeft(p audio.Participant) {
	c.partMu.Lock()
	found := false
	for i, existing := range c.participants {
		if existing.Identity == p.Identity {
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			found = true
			break
		}
	}
	c.partMu.Unlock()
	if !found {
		return
	}
	slog.Info("livekit: participant left", "room", c.roomName, "participant", p.Identity)
	c.emitEvent(audio.Event{Type: audio.EventLeave, Participant: p})
}

// isLinked reports whether identity is the participant whose audio is used.
func (c *Connection) isLinked(identity string) bool {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	return c.linked == identity
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// ---- receive ----

// goReadTrack starts readTrack unless the connection is closing.
func (c *Connection) goReadTrack(trackID string, read func() (*rtp.Packet, error)) bool {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	if c.inputClosed {
		return false
	}
	c.wg.Add(1)
	go c.readTrack(trackID, read)
	return true
}

// readTrack decodes one remote Opus track into the input stream until read
// fails or the connection closes.
func (c *Connection) readTrack(trackID string, read func() (*rtp.Packet, error)) {
	defer c.wg.Done()

	dec, err := c.newDecoder()
	if err != nil {
		slog.Error("livekit: failed to create opus decoder", "track", trackID, "err", err)
		return
	}
	var (
		base    uint32
		hasBase bool
	)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("livekit: track read ended", "track", trackID, "err", err)
			}
			return
		}
		if pkt == nil || len(pkt.Payload) == 0 {
			continue
		}
		if !hasBase {
			base, hasBase = pkt.Timestamp, true
		}
		c.handlePacket(dec, pkt, base)
	}
}

// handlePacket decodes pkt and delivers it downstream. Frames are dropped
// rather than blocking when the consumer lags.
func (c *Connection) handlePacket(dec frameDecoder, pkt *rtp.Packet, base uint32) {
	pcm, err := dec.decode(pkt.Payload)
	if err != nil {
		slog.Warn("livekit: opus decode error", "room", c.roomName, "err", err)
		return
	}
	frame, err := audio.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  time.Duration(pkt.Timestamp-base) * time.Second / opusSampleRate,
	}, inputFormat)
	if err != nil {
		slog.Warn("livekit: convert input", "room", c.roomName, "err", err)
		return
	}

	c.inputMu.RLock()
	defer c.inputMu.RUnlock()
	if c.inputClosed {
		return
	}
	select {
	case c.input <- frame:
	default:
	}
}

// ---- send ----

// sendLoop converts queued frames to 48 kHz mono, cuts them into 20 ms Opus
// frames and writes one per tick. A trailing partial frame is padded with
// silence once the queue runs dry.
func (c *Connection) sendLoop(enc frameEncoder) {
	defer c.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	outFormat := audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
	var buf []byte

	appendFrame := func(f audio.AudioFrame) {
		conv, err := audio.Convert(f, outFormat)
		if err != nil {
			slog.Warn("livekit: convert output", "room", c.roomName, "err", err)
			return
		}
		buf = append(buf, conv.Data...)
	}
	topUp := func() {
		for len(buf) < opusFrameBytes {
			select {
			case f := <-c.output:
				appendFrame(f)
			default:
				return
			}
		}
	}
	flush := func(ack chan struct{}) {
		buf = buf[:0]
		for {
			select {
			case <-c.output:
			default:
				close(ack)
				return
			}
		}
	}

	for {
		if len(buf) == 0 {
			select {
			case f := <-c.output:
				appendFrame(f)
				ticker.Reset(frameDuration)
			case ack := <-c.flushCh:
				flush(ack)
				continue
			case <-c.done:
				return
			}
		}
		topUp()

		select {
		case <-ticker.C:
		case ack := <-c.flushCh:
			flush(ack)
			continue
		case <-c.done:
			return
		}

		topUp()
		if len(buf) == 0 {
			continue
		}
		if len(buf) < opusFrameBytes {
			buf = append(buf, make([]byte, opusFrameBytes-len(buf))...)
		}
		packet, err := enc.encode(buf[:opusFrameBytes])
		buf = buf[opusFrameBytes:]
		if err != nil {
			slog.Warn("livekit: opus encode error", "room", c.roomName, "err", err)
			continue
		}
		if err := c.track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}); err != nil {
			slog.Warn("livekit: write sample", "room", c.roomName, "err", err)
		}
	}
}
