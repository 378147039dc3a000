package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/app"
	"github.com/MrWong99/linguavox/internal/capability"
	"github.com/MrWong99/linguavox/internal/config"
	"github.com/MrWong99/linguavox/internal/prompt"
	"github.com/MrWong99/linguavox/internal/session"
	"github.com/MrWong99/linguavox/internal/transcript"
	"github.com/MrWong99/linguavox/internal/transcript/pgstore"
	"github.com/MrWong99/linguavox/pkg/audio"
	audiomock "github.com/MrWong99/linguavox/pkg/audio/mock"
	"github.com/MrWong99/linguavox/pkg/provider/llm"
	llmmock "github.com/MrWong99/linguavox/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/linguavox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/linguavox/pkg/provider/tts/mock"
	"github.com/MrWong99/linguavox/pkg/provider/vad"
	vadmock "github.com/MrWong99/linguavox/pkg/provider/vad/mock"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// fakeStore records conversations in memory.
type fakeStore struct {
	mu       sync.Mutex
	startErr error
	started  []pgstore.Conversation
	ended    map[string]time.Duration
	entries  []string
}

func (s *fakeStore) StartConversation(_ context.Context, c pgstore.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, c)
	return "conv-" + c.Room, nil
}

func (s *fakeStore) EndConversation(_ context.Context, id string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended == nil {
		s.ended = make(map[string]time.Duration)
	}
	s.ended[id] = d
	return nil
}

func (s *fakeStore) AddEntry(_ context.Context, _ string, _ transcript.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, content)
	return nil
}

func (s *fakeStore) conversations() []pgstore.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pgstore.Conversation(nil), s.started...)
}

func (s *fakeStore) wasEnded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ended[id]
	return ok
}

var _ app.TranscriptStore = (*fakeStore)(nil)

func testProviders(platform audio.Platform) *app.Providers {
	return &app.Providers{
		LLM:   &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Bonjour !"}, {FinishReason: "stop"}}},
		STT:   &sttmock.Provider{},
		TTS:   &ttsmock.Provider{Chunks: [][]byte{make([]byte, 960)}},
		VAD:   &vadmock.Engine{Session: &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}},
		Audio: platform,
	}
}

func testTemplates(t *testing.T) *prompt.Templates {
	t.Helper()
	tmpl, err := prompt.Load("")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	return tmpl
}

func newManager(t *testing.T, platform *audiomock.Platform, store app.TranscriptStore, mutate func(*app.SessionManagerConfig)) *app.SessionManager {
	t.Helper()
	cfg := app.SessionManagerConfig{
		Platform:  platform,
		Providers: testProviders(platform),
		Templates: testTemplates(t),
		Voices:    session.NewVoiceMap("cartesia", nil),
		Session: config.SessionConfig{
			Greeting: config.GreetingNone,
			Defaults: config.PreferencesConfig{TargetLanguage: "de", NativeLanguage: "en"},
		},
		Store:       store,
		JoinBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sm, err := app.NewSessionManager(cfg)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sm.StopAll(ctx)
	})
	return sm
}

func roomWithLearner(room, metadata string) (*audiomock.Platform, *audiomock.Connection) {
	conn := audiomock.NewConnection(room)
	conn.Participant = audio.Participant{Identity: "learner", Name: "Ana", Metadata: metadata}
	return &audiomock.Platform{Connections: map[string]*audiomock.Connection{room: conn}}, conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitActive(t *testing.T, sm *app.SessionManager, room string) app.SessionInfo {
	t.Helper()
	var info app.SessionInfo
	waitFor(t, room+" to become active", func() bool {
		var ok bool
		info, ok = sm.Info(room)
		return ok && info.State == app.LessonActive
	})
	return info
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestSessionManager_New_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := app.NewSessionManager(app.SessionManagerConfig{Providers: &app.Providers{}})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestSessionManager_LessonLifecycle(t *testing.T) {
	t.Parallel()
	platform, conn := roomWithLearner("room-a", `{"target_language":"fr","level":"advanced"}`)
	store := &fakeStore{}
	sm := newManager(t, platform, store, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	info := waitActive(t, sm, "room-a")

	if info.Participant != "learner" {
		t.Errorf("Participant = %q, want learner", info.Participant)
	}
	want := session.Preferences{TargetLanguage: "fr", NativeLanguage: "en", Level: "advanced", SpeakingSpeed: 1.0}
	if info.Preferences != want {
		t.Errorf("Preferences = %+v, want %+v", info.Preferences, want)
	}
	if info.ConversationID != "conv-room-a" {
		t.Errorf("ConversationID = %q, want conv-room-a", info.ConversationID)
	}
	convs := store.conversations()
	if len(convs) != 1 || convs[0].Participant != "learner" || convs[0].TargetLanguage != "fr" {
		t.Errorf("conversations = %+v", convs)
	}

	// Someone else leaving does not end the lesson.
	conn.EmitEvent(audio.Event{Type: audio.EventLeave, Participant: audio.Participant{Identity: "observer"}})
	time.Sleep(20 * time.Millisecond)
	if sm.Active() != 1 {
		t.Fatalf("Active = %d after unrelated leave, want 1", sm.Active())
	}

	conn.EmitEvent(audio.Event{Type: audio.EventLeave, Participant: audio.Participant{Identity: "learner"}})
	waitFor(t, "lesson to end", func() bool { return sm.Active() == 0 })
	waitFor(t, "disconnect", func() bool { return conn.Disconnects() == 1 })
	if !store.wasEnded("conv-room-a") {
		t.Error("conversation was not ended")
	}
}

func TestSessionManager_DispatchIsIdempotent(t *testing.T) {
	t.Parallel()
	platform, _ := roomWithLearner("room-a", "")
	sm := newManager(t, platform, nil, nil)

	for range 3 {
		if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	waitActive(t, sm, "room-a")
	if got := platform.ConnectCalls(); len(got) != 1 {
		t.Errorf("Connect calls = %v, want one", got)
	}
}

func TestSessionManager_DispatchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		room      string
		connErr   error
		wantCalls int
		wantKind  capability.Kind
	}{
		{name: "empty room", room: "  ", wantCalls: 0, wantKind: capability.KindMalformed},
		{name: "join retried then fails", room: "room-a", connErr: errors.New("sfu down"), wantCalls: 2, wantKind: capability.KindUnknown},
		{
			name: "cancellation is not retried", room: "room-a",
			connErr: context.Canceled, wantCalls: 1, wantKind: capability.KindCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			platform := &audiomock.Platform{ConnectErr: tt.connErr}
			sm := newManager(t, platform, nil, func(c *app.SessionManagerConfig) { c.JoinAttempts = 2 })

			err := sm.Dispatch(context.Background(), tt.room)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := capability.Classify(err); got != tt.wantKind {
				t.Errorf("Classify = %q, want %q (err %v)", got, tt.wantKind, err)
			}
			if got := len(platform.ConnectCalls()); got != tt.wantCalls {
				t.Errorf("Connect calls = %d, want %d", got, tt.wantCalls)
			}
			if sm.Active() != 0 {
				t.Errorf("Active = %d, want 0", sm.Active())
			}
		})
	}
}

func TestSessionManager_MalformedMetadataUsesDefaults(t *testing.T) {
	t.Parallel()
	platform, _ := roomWithLearner("room-a", "{not json")
	sm := newManager(t, platform, nil, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	info := waitActive(t, sm, "room-a")
	want := config.PreferencesConfig{TargetLanguage: "de", NativeLanguage: "en"}.Preferences()
	if info.Preferences != want {
		t.Errorf("Preferences = %+v, want defaults %+v", info.Preferences, want)
	}
}

func TestSessionManager_RoomMetadataFirst(t *testing.T) {
	t.Parallel()
	platform, conn := roomWithLearner("room-a", `{"target_language":"ja"}`)
	conn.RoomMetadataResult = `{"target_language":"it"}`
	sm := newManager(t, platform, nil, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := waitActive(t, sm, "room-a").Preferences.TargetLanguage; got != "it" {
		t.Errorf("TargetLanguage = %q, want it", got)
	}
}

func TestSessionManager_NoParticipant(t *testing.T) {
	t.Parallel()
	platform, conn := roomWithLearner("room-a", "")
	conn.ParticipantErr = errors.New("room closed")
	store := &fakeStore{}
	sm := newManager(t, platform, store, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "lesson to end", func() bool { return sm.Active() == 0 })
	waitFor(t, "disconnect", func() bool { return conn.Disconnects() == 1 })
	if got := store.conversations(); len(got) != 0 {
		t.Errorf("conversations = %+v, want none", got)
	}
}

func TestSessionManager_StoreFailureKeepsLesson(t *testing.T) {
	t.Parallel()
	platform, _ := roomWithLearner("room-a", "")
	sm := newManager(t, platform, &fakeStore{startErr: errors.New("db down")}, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if info := waitActive(t, sm, "room-a"); info.ConversationID != "" {
		t.Errorf("ConversationID = %q, want empty", info.ConversationID)
	}
}

func TestSessionManager_InputClosedEndsLesson(t *testing.T) {
	t.Parallel()
	platform, conn := roomWithLearner("room-a", "")
	store := &fakeStore{}
	sm := newManager(t, platform, store, nil)

	if err := sm.Dispatch(context.Background(), "room-a"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitActive(t, sm, "room-a")
	close(conn.In)

	waitFor(t, "lesson to end", func() bool { return sm.Active() == 0 })
	waitFor(t, "conversation end", func() bool { return store.wasEnded("conv-room-a") })
}

func TestSessionManager_StopAll(t *testing.T) {
	t.Parallel()
	platform, conn := roomWithLearner("room-a", "")
	second := audiomock.NewConnection("room-b")
	second.Participant = audio.Participant{Identity: "other"}
	platform.Connections["room-b"] = second
	sm := newManager(t, platform, nil, nil)

	for _, room := range []string{"room-b", "room-a"} {
		if err := sm.Dispatch(context.Background(), room); err != nil {
			t.Fatalf("Dispatch(%s): %v", room, err)
		}
	}
	waitActive(t, sm, "room-a")
	waitActive(t, sm, "room-b")

	list := sm.Sessions()
	if len(list) != 2 || list[0].Room != "room-a" || list[1].Room != "room-b" {
		t.Errorf("Sessions = %+v, want room-a, room-b", list)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sm.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if sm.Active() != 0 {
		t.Errorf("Active = %d after StopAll", sm.Active())
	}
	if conn.Disconnects() != 1 || second.Disconnects() != 1 {
		t.Errorf("disconnects = %d, %d; want 1, 1", conn.Disconnects(), second.Disconnects())
	}
	if sm.Accepting() {
		t.Error("Accepting should be false after StopAll")
	}
	if err := sm.Dispatch(context.Background(), "room-c"); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("Dispatch after StopAll = %v, want ErrShuttingDown", err)
	}
}
