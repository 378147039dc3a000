package transcript

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topic is the data-channel topic transcript events are published on.
const Topic = "transcript"

// Event is the wire form of an Utterance sent to room participants.
type Event struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// EncodeEvent renders u as a transcript event.
func EncodeEvent(u Utterance) ([]byte, error) {
	b, err := json.Marshal(Event{
		Type:    "transcript",
		ID:      u.ID,
		Role:    u.Role,
		Text:    u.Text,
		IsFinal: u.IsFinal,
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: encode event: %w", err)
	}
	return b, nil
}

// DataPublisher sends a reliable data packet to the room. audio.Connection
// satisfies it.
type DataPublisher interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
}

// DataChannelSubscriber forwards every utterance to pub on [Topic].
func DataChannelSubscriber(pub DataPublisher) Subscriber {
	return SubscriberFunc(func(ctx context.Context, u Utterance) error {
		payload, err := EncodeEvent(u)
		if err != nil {
			return err
		}
		return pub.PublishData(ctx, Topic, payload)
	})
}
