// Package livekit provides a LiveKit platform adapter for the audio package.
//
// The agent joins a room as a participant of kind agent, subscribes to the
// first remote participant's microphone, decodes it to 16 kHz mono PCM and
// publishes its own voice as a 48 kHz mono Opus track. Transcript events
// travel as reliable data packets.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

const (
	defaultIdentity = "linguavox-agent"
	defaultName     = "Tutor"
)

// Option configures a Platform.
type Option func(*Platform)

// WithIdentity sets the agent's participant identity.
func WithIdentity(identity string) Option {
	return func(p *Platform) {
		p.identity = identity
	}
}

// WithName sets the agent's display name.
func WithName(name string) Option {
	return func(p *Platform) {
		p.name = name
	}
}

// Platform joins LiveKit rooms with API key credentials.
type Platform struct {
	url       string
	apiKey    string
	apiSecret string
	identity  string
	name      string
}

// New returns a Platform for the LiveKit server at url.
func New(url, apiKey, apiSecret string, opts ...Option) (*Platform, error) {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil, errors.New("livekit: url, api key and api secret are required")
	}
	p := &Platform{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		identity:  defaultIdentity,
		name:      defaultName,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Identity is the participant identity the agent joins with.
func (p *Platform) Identity() string { return p.identity }

type connectResult struct {
	room *lksdk.Room
	err  error
}

// Connect implements audio.Platform.
func (p *Platform) Connect(ctx context.Context, roomName string) (audio.Connection, error) {
	c := newConnection(roomName, p.identity)

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				c.onTrackSubscribed(track, rp)
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			c.participantJoined(participantOf(rp))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			c.participantLeft(participantOf(rp))
		},
		OnDisconnected: func() {
			slog.Info("livekit: disconnected from room", "room", roomName)
		},
	}

	// ConnectToRoom does not take a context; abandon it on ctx expiry and
	// leave the room once it eventually returns.
	resCh := make(chan connectResult, 1)
	go func() {
		room, err := lksdk.ConnectToRoom(p.url, lksdk.ConnectInfo{
			APIKey:              p.apiKey,
			APISecret:           p.apiSecret,
			RoomName:            roomName,
			ParticipantIdentity: p.identity,
			ParticipantName:     p.name,
			ParticipantKind:     lksdk.ParticipantAgent,
		}, cb, lksdk.WithAutoSubscribe(true))
		resCh <- connectResult{room: room, err: err}
	}()

	var room *lksdk.Room
	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("livekit: connect to %s: %w: %w", roomName, capability.ErrUnavailable, res.err)
		}
		room = res.room
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  2,
	})
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("livekit: create local track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("livekit: publish track: %w", err)
	}

	c.track = localTrackWriter{track}
	c.roomMeta = room.Metadata
	c.publish = func(payload []byte, topic string) error {
		return room.LocalParticipant.PublishDataPacket(
			lksdk.UserData(payload),
			lksdk.WithDataPublishReliable(true),
			lksdk.WithDataPublishTopic(topic),
		)
	}
	c.disconnectRoom = room.Disconnect
	if err := c.start(); err != nil {
		room.Disconnect()
		return nil, err
	}

	// Participants already present do not trigger OnParticipantConnected.
	for _, rp := range room.GetRemoteParticipants() {
		c.participantJoined(participantOf(rp))
	}

	slog.Info("livekit: agent joined room", "room", roomName, "identity", p.identity)
	return c, nil
}

func (c *Connection) onTrackSubscribed(track *webrtc.TrackRemote, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	// A track can arrive before the participant-connected callback.
	c.participantJoined(participantOf(rp))
	if !c.isLinked(rp.Identity()) {
		slog.Debug("livekit: ignoring track from non-linked participant", "track", track.ID(), "participant", rp.Identity())
		return
	}
	started := c.goReadTrack(track.ID(), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
	if started {
		slog.Info("livekit: subscribed to audio", "room", c.roomName, "participant", rp.Identity(), "codec", track.Codec().MimeType)
	}
}

func participantOf(rp *lksdk.RemoteParticipant) audio.Participant {
	return audio.Participant{
		Identity: rp.Identity(),
		Name:     rp.Name(),
		Metadata: rp.Metadata(),
	}
}

// localTrackWriter adapts *lksdk.LocalTrack to sampleWriter.
type localTrackWriter struct {
	t *lksdk.LocalTrack
}

func (w localTrackWriter) WriteSample(s media.Sample) error {
	return w.t.WriteSample(s, nil)
}
