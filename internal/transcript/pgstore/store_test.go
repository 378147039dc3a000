package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguavox/internal/transcript"
	"github.com/MrWong99/linguavox/internal/transcript/pgstore"
)

type memWriter struct {
	mu      sync.Mutex
	entries []pgstore.Entry
}

func (m *memWriter) AddEntry(_ context.Context, id string, role transcript.Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, pgstore.Entry{ConversationID: id, Role: role, Content: content})
	return nil
}

func TestSubscriber_OnlyFinals(t *testing.T) {
	t.Parallel()

	w := &memWriter{}
	sub := pgstore.Subscriber(w, "conv-1")
	ctx := context.Background()

	for _, u := range []transcript.Utterance{
		{Role: transcript.RoleUser, Text: "Je vou"},
		{Role: transcript.RoleUser, Text: "Je voudrais un café.", IsFinal: true},
		{Role: transcript.RoleAssistant, Text: "   ", IsFinal: true},
		{Role: transcript.RoleAssistant, Text: "Très bien !", IsFinal: true},
	} {
		if err := sub.Deliver(ctx, u); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if len(w.entries) != 2 {
		t.Fatalf("persisted %d entries, want 2: %+v", len(w.entries), w.entries)
	}
	if w.entries[0].Role != transcript.RoleUser || w.entries[1].Content != "Très bien !" {
		t.Errorf("entries = %+v", w.entries)
	}
	if w.entries[0].ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", w.entries[0].ConversationID)
	}
}

func TestFormatForContext(t *testing.T) {
	t.Parallel()

	got := pgstore.FormatForContext([]pgstore.Entry{
		{Role: transcript.RoleUser, Content: "Hola"},
		{Role: transcript.RoleAssistant, Content: "¡Hola! ¿Qué tal?"},
	})
	want := "User: Hola\nAssistant: ¡Hola! ¿Qué tal?"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if pgstore.FormatForContext(nil) != "" {
		t.Error("empty transcript should render empty")
	}
}

// testDSN returns the test database DSN from the environment, or skips the
// test if LINGUAVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LINGUAVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LINGUAVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestStore_ConversationLifecycle(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := pgstore.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	id, err := s.StartConversation(ctx, pgstore.Conversation{
		Room: "room-test", Participant: "learner", TargetLanguage: "fr", NativeLanguage: "en", Level: "advanced",
	})
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	bus := transcript.NewBus()
	bus.Subscribe("pg", pgstore.Subscriber(s, id))
	d := bus.NewDraft(transcript.RoleUser)
	d.Update("Bonj")
	_, _ = d.Seal("Bonjour")
	a := bus.NewDraft(transcript.RoleAssistant)
	_, _ = a.Seal("Bonjour ! Ça va ?")
	bus.Close()

	entries, err := s.Entries(ctx, id)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	if err := s.EndConversation(ctx, id, 90*time.Second); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Status != "completed" || c.DurationSeconds != 90 || c.EndedAt == nil {
		t.Errorf("conversation = %+v", c)
	}
}
