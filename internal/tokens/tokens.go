// Package tokens serves the LiveKit access-token endpoint the learner's
// browser calls before joining a lesson.
//
// A token grants its holder join, publish, subscribe and data rights on one
// room and carries the learner's preferences as participant metadata, from
// where the agent reads them when the session starts. Minting a token also
// dispatches the agent into the room.
package tokens

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"

	"github.com/MrWong99/linguavox/internal/session"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 6 * time.Hour

// maxBody bounds the request body.
const maxBody = 64 << 10

// Dispatcher sends the agent into a room. It must not block on the session
// itself; joining happens in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, room string) error
}

// DispatcherFunc adapts a function to [Dispatcher].
type DispatcherFunc func(ctx context.Context, room string) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, room string) error { return f(ctx, room) }

// Config configures a [Handler].
type Config struct {
	// URL is the LiveKit server URL returned to the client.
	URL string

	APIKey    string
	APISecret string

	// TTL defaults to [DefaultTTL].
	TTL time.Duration

	// BearerToken, when set, must be presented as "Authorization: Bearer
	// <token>" on every request.
	BearerToken string

	// Dispatcher, if set, is told about every room a token is minted for.
	Dispatcher Dispatcher

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Request is the token request body. Every field is optional.
type Request struct {
	RoomName            string          `json:"roomName,omitempty"`
	ParticipantName     string          `json:"participantName,omitempty"`
	ParticipantIdentity string          `json:"participantIdentity,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// Response is the token response body.
type Response struct {
	Token               string `json:"token"`
	URL                 string `json:"url"`
	RoomName            string `json:"roomName"`
	ParticipantIdentity string `json:"participantIdentity"`
	ParticipantName     string `json:"participantName"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler mints tokens. It is safe for concurrent use.
type Handler struct {
	cfg Config
	log *slog.Logger
}

// New returns a Handler. APIKey and APISecret are required.
func New(cfg Config) (*Handler, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("tokens: livekit api key and secret are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, log: log}, nil
}

// Register adds the token route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/livekit-token", h)
	mux.HandleFunc("OPTIONS /api/livekit-token", h.preflight)
}

func (h *Handler) preflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP handles POST /api/livekit-token.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	var req Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}
	}

	metadata, err := participantMetadata(req.Metadata)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	resp, err := h.Mint(req, metadata)
	if err != nil {
		h.log.Error("tokens: mint", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not issue token"})
		return
	}

	if h.cfg.Dispatcher != nil {
		if err := h.cfg.Dispatcher.Dispatch(r.Context(), resp.RoomName); err != nil {
			h.log.Error("tokens: dispatch agent", "room", resp.RoomName, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "agent unavailable"})
			return
		}
	}

	h.log.Info("tokens: issued",
		"room", resp.RoomName,
		"participant", resp.ParticipantIdentity,
		"ttl", h.cfg.TTL,
	)
	writeJSON(w, http.StatusOK, resp)
}

// Mint signs a token for req with metadata attached to the participant.
// Missing names are filled in.
func (h *Handler) Mint(req Request, metadata string) (Response, error) {
	identity := strings.TrimSpace(req.ParticipantIdentity)
	if identity == "" {
		identity = uuid.NewString()
	}
	name := strings.TrimSpace(req.ParticipantName)
	if name == "" {
		name = identity
	}
	room := strings.TrimSpace(req.RoomName)
	if room == "" {
		room = fmt.Sprintf("room-%s-%d", identity, h.cfg.Now().UnixMilli())
	}

	yes := true
	at := auth.NewAccessToken(h.cfg.APIKey, h.cfg.APISecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &yes,
		CanSubscribe:   &yes,
		CanPublishData: &yes,
	}).
		SetIdentity(identity).
		SetName(name).
		SetMetadata(metadata).
		SetValidFor(h.cfg.TTL)

	token, err := at.ToJWT()
	if err != nil {
		return Response{}, fmt.Errorf("tokens: sign: %w", err)
	}
	return Response{
		Token:               token,
		URL:                 h.cfg.URL,
		RoomName:            room,
		ParticipantIdentity: identity,
		ParticipantName:     name,
	}, nil
}

// participantMetadata validates the preferences object and renders it in
// the form the agent parses. An absent object becomes "{}".
func participantMetadata(raw json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "{}", nil
	}
	if !strings.HasPrefix(s, "{") {
		return "", errors.New("metadata must be a JSON object")
	}
	if _, err := session.ParsePreferences(s); err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}
	return s, nil
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.BearerToken == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.cfg.BearerToken)) == 1
}

func setCORS(hdr http.Header) {
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", "authorization, content-type")
	hdr.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
