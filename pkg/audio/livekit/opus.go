package livekit

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/linguavox/pkg/audio"
)

// LiveKit audio tracks carry 48 kHz Opus. The agent publishes mono at 20 ms
// frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the PCM input size for one Opus frame.
	opusFrameBytes = opusFrameSize * opusChannels * 2
	// maxDecodeSamples fits the longest Opus packet (120 ms).
	maxDecodeSamples = opusSampleRate * 120 / 1000
)

// frameDecoder turns one Opus packet into little-endian PCM.
type frameDecoder interface {
	decode(packet []byte) ([]byte, error)
}

// frameEncoder turns exactly one frame of PCM into an Opus packet.
type frameEncoder interface {
	encode(pcm []byte) ([]byte, error)
}

// opusDecoder wraps a gopus decoder for one remote track. Each track gets its
// own decoder to keep state across consecutive packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (frameDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxDecodeSamples, false)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus encoder for the agent's output track.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (frameEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	out, err := e.enc.Encode(audio.BytesToInt16s(pcm), opusFrameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("livekit: opus encode: %w", err)
	}
	return out, nil
}
