// Package cartesia provides a Cartesia-backed TTS provider using the Cartesia
// streaming WebSocket API. It implements the tts.Provider interface.
//
// Every SynthesizeStream call opens one connection and one generation context;
// fragments from the text channel are sent with continue=true so prosody
// carries across sentence boundaries.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/audio"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

const (
	cartesiaEndpoint  = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion   = "2025-04-16"
	defaultModel      = "sonic-3"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the PCM output sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by Cartesia.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	endpoint   string
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		endpoint:   cartesiaEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ---- WebSocket message types ----

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type generationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// generationRequest is one text fragment within a generation context.
type generationRequest struct {
	ModelID          string            `json:"model_id"`
	Transcript       string            `json:"transcript"`
	Voice            voiceSpec         `json:"voice"`
	OutputFormat     outputFormat      `json:"output_format"`
	ContextID        string            `json:"context_id"`
	Continue         bool              `json:"continue"`
	Language         string            `json:"language,omitempty"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

// response is a server message. Type is "chunk", "done" or "error".
type response struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) request(contextID, text string, more bool, voice tts.VoiceProfile) generationRequest {
	req := generationRequest{
		ModelID:    p.model,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: voice.ID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: p.sampleRate,
		},
		ContextID: contextID,
		Continue:  more,
		Language:  voice.Language,
	}
	if voice.SpeedFactor != 0 && voice.SpeedFactor != 1 {
		req.GenerationConfig = &generationConfig{Speed: voice.SpeedFactor}
	}
	return req
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("cartesia: voice.ID must not be empty")
	}
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("cartesia: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia: dial: %w: %w", capability.ErrUnavailable, err)
	}
	conn.SetReadLimit(1 << 22)

	contextID := uuid.NewString()
	stream := tts.NewStream(64)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			p.readLoop(ctx, conn, stream)
		}()

		send := func(req generationRequest) error {
			b, err := json.Marshal(req)
			if err != nil {
				return err
			}
			return conn.Write(ctx, websocket.MessageText, b)
		}

		for {
			select {
			case frag, ok := <-text:
				if !ok {
					// Closing the context makes the server emit "done".
					if err := send(p.request(contextID, "", false, voice)); err != nil {
						stream.Fail(fmt.Errorf("cartesia: write: %w: %w", capability.ErrUnavailable, err))
						return
					}
					<-readDone
					return
				}
				if frag == "" {
					continue
				}
				if err := send(p.request(contextID, frag, true, voice)); err != nil {
					stream.Fail(fmt.Errorf("cartesia: write: %w: %w", capability.ErrUnavailable, err))
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

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, stream *tts.Stream) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stream.Fail(ctx.Err())
				return
			}
			stream.Fail(fmt.Errorf("cartesia: read: %w: %w", capability.ErrUnavailable, err))
			return
		}
		pcm, done, err := parseResponse(msg)
		if err != nil {
			stream.Fail(err)
			return
		}
		if len(pcm) > 0 && !stream.Send(ctx, pcm) {
			stream.Fail(ctx.Err())
			return
		}
		if done {
			stream.Finish()
			return
		}
	}
}

// parseResponse decodes one server message into PCM. done reports the end of
// the generation context.
func parseResponse(msg []byte) (pcm []byte, done bool, err error) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, fmt.Errorf("cartesia: decode message: %w", err)
	}
	switch resp.Type {
	case "chunk":
		pcm, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return nil, false, fmt.Errorf("cartesia: decode audio: %w", err)
		}
		return pcm, resp.Done, nil
	case "done":
		return nil, true, nil
	case "error":
		return nil, false, fmt.Errorf("cartesia: %s: %w", resp.Error, capability.ErrUnavailable)
	default:
		// timestamps and flush acknowledgements carry no audio.
		return nil, false, nil
	}
}

var _ tts.Provider = (*Provider)(nil)
