package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/pkg/provider/stt"
)

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_LanguageBoundFromConfig(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithLanguage("en"), WithModel("nova-3"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr", u.Query().Get("language"))
	assertEqual(t, "model", "nova-3", u.Query().Get("model"))
	assertEqual(t, "sample_rate", "16000", u.Query().Get("sample_rate"))
}

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     string
		wantOK  bool
		want    string
		isFinal bool
	}{
		{
			name:   "interim",
			msg:    `{"type":"Results","is_final":false,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"bonjour","confidence":0.9}]}}`,
			wantOK: true, want: "bonjour",
		},
		{
			name:   "final",
			msg:    `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"bonjour tout le monde"}]}}`,
			wantOK: true, want: "bonjour tout le monde", isFinal: true,
		},
		{name: "metadata", msg: `{"type":"Metadata"}`},
		{name: "no alternatives", msg: `{"type":"Results","channel":{"alternatives":[]}}`},
		{name: "garbage", msg: `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseDeepgramResponse([]byte(tc.msg))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got.Text != tc.want || got.IsFinal != tc.isFinal {
				t.Errorf("got {%q final=%v}, want {%q final=%v}", got.Text, got.IsFinal, tc.want, tc.isFinal)
			}
		})
	}

	got, _ := parseDeepgramResponse([]byte(`{"type":"Results","start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"x"}]}}`))
	if got.Start != 1500*time.Millisecond || got.Duration != 500*time.Millisecond {
		t.Errorf("timing = (%v, %v), want (1.5s, 500ms)", got.Start, got.Duration)
	}
}

// fakeDeepgram accepts one websocket, checks the auth header, echoes back an
// interim and a final result after the first binary message, then waits for
// CloseStream.
func fakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		typ, _, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hola"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hola amigo"}]}}`))
		for {
			typ, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
}

func TestSession_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := fakeDeepgram(t)
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "es"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Partials():
		assertEqual(t, "partial", "hola", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-sess.Finals():
		assertEqual(t, "final", "hola amigo", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err after clean close = %v, want nil", err)
	}
	// The send queue still has room, so every call must see the close.
	for i := range 50 {
		if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, errClosed) {
			t.Fatalf("SendAudio #%d after Close = %v, want errClosed", i, err)
		}
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := fakeDeepgram(t)
	defer srv.Close()

	p, _ := New("wrong", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, capability.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
