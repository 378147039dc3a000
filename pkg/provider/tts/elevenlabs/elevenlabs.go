// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface and serves as the fallback synthesizer.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API host (scheme and host only).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	sampleRate   int
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty and the
// output format must be a pcm_<rate> format.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := parsePCMFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

func parsePCMFormat(f string) (int, error) {
	rate, ok := strings.CutPrefix(f, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", f)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no sample rate", f)
	}
	return n, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) buildURL(voice tts.VoiceProfile) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("v1", "text-to-speech", voice.ID, "stream-input")
	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if voice.Language != "" {
		q.Set("language_code", voice.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel and returns a Stream of raw PCM.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	wsURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w: %w", capability.ErrUnavailable, err)
	}
	conn.SetReadLimit(1 << 22)

	// The first message authenticates; ElevenLabs requires a non-empty text.
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor != 0 && voice.SpeedFactor != 1 {
		vs.Speed = voice.SpeedFactor
	}
	boi, _ := json.Marshal(textMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w: %w", capability.ErrUnavailable, err)
	}

	stream := tts.NewStream(64)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			readLoop(ctx, conn, stream)
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// An empty text ends the input and flushes remaining audio.
					flush, _ := buildWSMessage("")
					if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
						stream.Fail(fmt.Errorf("elevenlabs: write: %w: %w", capability.ErrUnavailable, err))
						return
					}
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				msg, _ := buildWSMessage(sentence)
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					stream.Fail(fmt.Errorf("elevenlabs: write: %w: %w", capability.ErrUnavailable, err))
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				stream.Fail(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, stream *tts.Stream) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				stream.Fail(ctx.Err())
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				stream.Finish()
			default:
				stream.Fail(fmt.Errorf("elevenlabs: read: %w: %w", capability.ErrUnavailable, err))
			}
			return
		}
		pcm, final, err := parseAudioResponse(msg)
		if err != nil {
			stream.Fail(err)
			return
		}
		if len(pcm) > 0 && !stream.Send(ctx, pcm) {
			stream.Fail(ctx.Err())
			return
		}
		if final {
			stream.Finish()
			return
		}
	}
}

// buildWSMessage constructs the JSON payload for a single text fragment.
func buildWSMessage(text string) ([]byte, error) {
	return json.Marshal(textMessage{Text: text})
}

// parseAudioResponse decodes a server message into PCM. final reports the last
// message of the stream.
func parseAudioResponse(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode message: %w", err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: %s: %s: %w", resp.Error, resp.Message, capability.ErrUnavailable)
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
	}
	return pcm, resp.IsFinal, nil
}

var _ tts.Provider = (*Provider)(nil)
