package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

func TestBuildWSMessage_FlushCommand(t *testing.T) {
	t.Parallel()

	// ElevenLabs flush = {"text":""} with no other fields.
	data, err := buildWSMessage("")
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal flush: %v", err)
	}
	if string(raw["text"]) != `""` {
		t.Errorf("expected empty string for text, got %s", raw["text"])
	}
	if len(raw) != 1 {
		t.Errorf("flush message has extra fields: %s", data)
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	raw, err := p.buildURL(tts.VoiceProfile{ID: "voice-abc123", Language: "de"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss", u.Scheme)
	}
	if u.Path != "/v1/text-to-speech/voice-abc123/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("model_id") != defaultModel || q.Get("output_format") != "pcm_24000" || q.Get("language_code") != "de" {
		t.Errorf("query = %v", q)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		opts     []Option
		wantErr  bool
		wantRate int
	}{
		{name: "empty key", key: "", wantErr: true},
		{name: "defaults", key: "k", wantRate: 24000},
		{name: "16k", key: "k", opts: []Option{WithOutputFormat("pcm_16000")}, wantRate: 16000},
		{name: "mp3 rejected", key: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "no rate", key: "k", opts: []Option{WithOutputFormat("pcm_")}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tc.key, tc.opts...)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got := p.OutputFormat().SampleRate; got != tc.wantRate {
				t.Errorf("sample rate = %d, want %d", got, tc.wantRate)
			}
		})
	}
}

func TestParseAudioResponse(t *testing.T) {
	t.Parallel()

	enc := base64.StdEncoding.EncodeToString([]byte{9, 9})
	pcm, final, err := parseAudioResponse([]byte(`{"audio":"` + enc + `","isFinal":false}`))
	if err != nil || final || len(pcm) != 2 {
		t.Errorf("audio: got (%v, %v, %v)", pcm, final, err)
	}
	if _, final, err := parseAudioResponse([]byte(`{"isFinal":true}`)); err != nil || !final {
		t.Errorf("final: got (%v, %v)", final, err)
	}
	if _, _, err := parseAudioResponse([]byte(`{"error":"quota_exceeded","message":"out of credits"}`)); !errors.Is(err, capability.ErrUnavailable) {
		t.Errorf("error: err = %v, want ErrUnavailable", err)
	}
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		// BOI carries the key.
		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		var boi textMessage
		_ = json.Unmarshal(msg, &boi)
		if boi.XiAPIKey != "secret" {
			c.Close(websocket.StatusPolicyViolation, "bad key")
			return
		}
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var in textMessage
			_ = json.Unmarshal(msg, &in)
			if in.Text == "" {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				return
			}
			enc := base64.StdEncoding.EncodeToString([]byte(in.Text))
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+enc+`"}`))
		}
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := p.SynthesizeStream(ctx, tts.Sentence("Guten Tag."), tts.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got strings.Builder
	for pcm := range s.Audio() {
		got.Write(pcm)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream err = %v", err)
	}
	if got.String() != "Guten Tag." {
		t.Errorf("audio = %q", got.String())
	}
}
