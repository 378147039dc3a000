// Package pgstore persists conversations and their final transcript lines in
// PostgreSQL. The schema is managed with goose migrations embedded in the
// binary.
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/MrWong99/linguavox/internal/transcript"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Conversation is one tutoring call.
type Conversation struct {
	ID              string
	Room            string
	Participant     string
	TargetLanguage  string
	NativeLanguage  string
	Level           string
	Status          string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
}

// Entry is one persisted transcript line.
type Entry struct {
	ID             string
	ConversationID string
	Role           transcript.Role
	Content        string
	CreatedAt      time.Time
}

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, pings the server and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(database.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("pgstore: migration provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// StartConversation inserts c as active and returns its ID. A zero ID is
// replaced by a fresh UUID.
func (s *Store) StartConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	const q = `
		INSERT INTO conversations
		    (id, room, participant, target_language, native_language, level, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.Room, c.Participant, c.TargetLanguage, c.NativeLanguage, c.Level, c.StartedAt); err != nil {
		return "", fmt.Errorf("pgstore: start conversation: %w", err)
	}
	return c.ID, nil
}

// EndConversation marks conversation id completed with its duration.
func (s *Store) EndConversation(ctx context.Context, id string, duration time.Duration) error {
	const q = `
		UPDATE conversations
		SET    status = 'completed', ended_at = now(), duration_seconds = $2
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, int(duration.Seconds()))
	if err != nil {
		return fmt.Errorf("pgstore: end conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: end conversation: %s not found", id)
	}
	return nil
}

// GetConversation loads one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const q = `
		SELECT id, room, participant, target_language, native_language, level,
		       status, started_at, ended_at, duration_seconds
		FROM   conversations
		WHERE  id = $1`
	var c Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.Room, &c.Participant, &c.TargetLanguage, &c.NativeLanguage, &c.Level,
		&c.Status, &c.StartedAt, &c.EndedAt, &c.DurationSeconds,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("pgstore: get conversation: %w", err)
	}
	return c, nil
}

// AddEntry appends one transcript line.
func (s *Store) AddEntry(ctx context.Context, conversationID string, role transcript.Role, content string) error {
	const q = `
		INSERT INTO transcript_entries (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), conversationID, string(role), content); err != nil {
		return fmt.Errorf("pgstore: add entry: %w", err)
	}
	return nil
}

// Entries returns the transcript of a conversation, oldest first.
func (s *Store) Entries(ctx context.Context, conversationID string) ([]Entry, error) {
	const q = `
		SELECT id, conversation_id, role, content, created_at
		FROM   transcript_entries
		WHERE  conversation_id = $1
		ORDER  BY created_at, id`
	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			role string
		)
		if err := row.Scan(&e.ID, &e.ConversationID, &role, &e.Content, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		e.Role = transcript.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// EntryWriter is the write side used by [Subscriber].
type EntryWriter interface {
	AddEntry(ctx context.Context, conversationID string, role transcript.Role, content string) error
}

// Subscriber persists the final utterances of one conversation. Partials and
// empty finals are skipped.
func Subscriber(w EntryWriter, conversationID string) transcript.Subscriber {
	return transcript.SubscriberFunc(func(ctx context.Context, u transcript.Utterance) error {
		if !u.IsFinal || strings.TrimSpace(u.Text) == "" {
			return nil
		}
		return w.AddEntry(ctx, conversationID, u.Role, u.Text)
	})
}

// FormatForContext renders entries as "User: ..." / "Assistant: ..." lines.
func FormatForContext(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch e.Role {
		case transcript.RoleUser:
			b.WriteString("User: ")
		default:
			b.WriteString("Assistant: ")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}
