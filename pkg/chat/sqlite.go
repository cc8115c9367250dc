package chat

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteDB is the persistent home of all conversations.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite creates/opens the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create chat db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", strings.TrimSpace(pragma), err)
		}
	}

	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (d *SQLiteDB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Conversation returns the store for id, creating the conversation if needed.
func (d *SQLiteDB) Conversation(ctx context.Context, id string) (*ConversationStore, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("conversation: empty id")
	}
	now := nowMS()
	if _, err := d.db.ExecContext(ctx, `
INSERT INTO conversations(id, created_at_ms, updated_at_ms) VALUES(?, ?, ?)
ON CONFLICT(id) DO NOTHING`, id, now, now); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return &ConversationStore{db: d.db, id: id}, nil
}

// ListConversations returns conversation metadata, most recently updated first.
func (d *SQLiteDB) ListConversations(ctx context.Context) ([]Metadata, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, title, user_name, character_name, enabled, disabled_characters_json, created_at_ms, updated_at_ms
FROM conversations ORDER BY updated_at_ms DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (d *SQLiteDB) DeleteConversation(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ConversationStore is the SQLite-backed Store of one conversation.
type ConversationStore struct {
	db *sql.DB
	id string
}

func (s *ConversationStore) ID() string { return s.id }

func (s *ConversationStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, s.id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

const messageColumns = `id, role, name, character_key, kind, hidden, text, swipe_id, swipes_json, record_json, created_at_ms`

func (s *ConversationStore) Get(ctx context.Context, index int) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
FROM messages WHERE conversation_id = ? AND position = ?`, s.id, index)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %d: %w", index, ErrNotFound)
		}
		return Message{}, err
	}
	return msg, nil
}

func (s *ConversationStore) Snapshot(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`
FROM messages WHERE conversation_id = ? ORDER BY position`, s.id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *ConversationStore) Append(ctx context.Context, msg Message) (int, error) {
	prepareMessage(&msg)
	swipes, record, err := encodeState(msg)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pos int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, s.id).Scan(&pos); err != nil {
		return 0, fmt.Errorf("append message position: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, position, role, name, character_key, kind, hidden, text, swipe_id, swipes_json, record_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, s.id, pos, string(msg.Role), msg.Name, msg.CharacterKey, string(msg.Kind), boolInt(msg.Hidden),
		msg.Text, msg.SwipeID, swipes, record, msg.CreatedAt.UnixMilli()); err != nil {
		return 0, fmt.Errorf("append message insert: %w", err)
	}
	if err := touch(ctx, tx, s.id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message commit: %w", err)
	}
	return pos, nil
}

func (s *ConversationStore) Edit(ctx context.Context, index int, text string) error {
	return s.mutate(ctx, index, "edit message", func(m *Message) error {
		m.Text = text
		m.Swipes[m.SwipeID].Text = text
		return nil
	})
}

func (s *ConversationStore) Delete(ctx context.Context, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND position = ?`, s.id, index)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", index, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET position = position - 1
WHERE conversation_id = ? AND position > ?`, s.id, index); err != nil {
		return fmt.Errorf("delete message shift: %w", err)
	}
	if err := touch(ctx, tx, s.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete message commit: %w", err)
	}
	return nil
}

func (s *ConversationStore) IndexOf(ctx context.Context, id string) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `SELECT position FROM messages WHERE conversation_id = ? AND id = ?`, s.id, id).Scan(&pos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, fmt.Errorf("message id %s: %w", id, ErrNotFound)
		}
		return -1, fmt.Errorf("lookup message: %w", err)
	}
	return pos, nil
}

func (s *ConversationStore) UpdateRecord(ctx context.Context, index int, fn func(*Record)) error {
	return s.mutate(ctx, index, "update record", func(m *Message) error {
		fn(&m.Record)
		m.Swipes[m.SwipeID].Record = m.Record
		return nil
	})
}

func (s *ConversationStore) AddSwipe(ctx context.Context, index int, text string) (int, error) {
	var swipeID int
	err := s.mutate(ctx, index, "add swipe", func(m *Message) error {
		addSwipe(m, text)
		swipeID = m.SwipeID
		return nil
	})
	return swipeID, err
}

func (s *ConversationStore) SelectSwipe(ctx context.Context, index, swipeID int) error {
	return s.mutate(ctx, index, "select swipe", func(m *Message) error {
		return selectSwipe(m, swipeID)
	})
}

func (s *ConversationStore) Metadata(ctx context.Context) (Metadata, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, user_name, character_name, enabled, disabled_characters_json, created_at_ms, updated_at_ms
FROM conversations WHERE id = ?`, s.id)
	meta, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, fmt.Errorf("conversation %s: %w", s.id, ErrNotFound)
		}
		return Metadata{}, err
	}
	return meta, nil
}

func (s *ConversationStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	disabled, err := json.Marshal(nonNilStrings(meta.DisabledCharacters))
	if err != nil {
		return fmt.Errorf("encode disabled characters: %w", err)
	}
	var enabled sql.NullInt64
	if meta.Enabled != nil {
		enabled = sql.NullInt64{Int64: int64(boolInt(*meta.Enabled)), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE conversations
SET title = ?, user_name = ?, character_name = ?, enabled = ?, disabled_characters_json = ?, updated_at_ms = ?
WHERE id = ?`, meta.Title, meta.UserName, meta.CharacterName, enabled, string(disabled), nowMS(), s.id)
	if err != nil {
		return fmt.Errorf("save conversation metadata: %w", err)
	}
	return nil
}

// mutate loads one message, applies fn and writes text, swipes and record back.
func (s *ConversationStore) mutate(ctx context.Context, index int, op string, fn func(*Message) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s begin tx: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+`
FROM messages WHERE conversation_id = ? AND position = ?`, s.id, index)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", index, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(&msg); err != nil {
		return err
	}
	swipes, record, err := encodeState(msg)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET text = ?, swipe_id = ?, swipes_json = ?, record_json = ?
WHERE id = ?`, msg.Text, msg.SwipeID, swipes, record, msg.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := touch(ctx, tx, s.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s commit: %w", op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		role      string
		kind      string
		hidden    int
		swipesRaw string
		recordRaw string
		createdMS int64
	)
	if err := row.Scan(&msg.ID, &role, &msg.Name, &msg.CharacterKey, &kind, &hidden, &msg.Text, &msg.SwipeID, &swipesRaw, &recordRaw, &createdMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = Role(role)
	msg.Kind = Kind(kind)
	msg.Hidden = hidden != 0
	msg.CreatedAt = time.UnixMilli(createdMS)
	if err := json.Unmarshal([]byte(swipesRaw), &msg.Swipes); err != nil {
		return Message{}, fmt.Errorf("decode swipes of %s: %w", msg.ID, err)
	}
	if err := json.Unmarshal([]byte(recordRaw), &msg.Record); err != nil {
		return Message{}, fmt.Errorf("decode record of %s: %w", msg.ID, err)
	}
	if len(msg.Swipes) == 0 {
		msg.Swipes = []Swipe{{Text: msg.Text, Record: msg.Record}}
		msg.SwipeID = 0
	}
	return msg, nil
}

func scanMetadata(row rowScanner) (Metadata, error) {
	var (
		meta        Metadata
		enabled     sql.NullInt64
		disabledRaw string
		createdMS   int64
		updatedMS   int64
	)
	if err := row.Scan(&meta.ID, &meta.Title, &meta.UserName, &meta.CharacterName, &enabled, &disabledRaw, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, err
		}
		return Metadata{}, fmt.Errorf("scan conversation: %w", err)
	}
	if enabled.Valid {
		v := enabled.Int64 != 0
		meta.Enabled = &v
	}
	if err := json.Unmarshal([]byte(disabledRaw), &meta.DisabledCharacters); err != nil {
		return Metadata{}, fmt.Errorf("decode disabled characters: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(createdMS)
	meta.UpdatedAt = time.UnixMilli(updatedMS)
	return meta, nil
}

func encodeState(msg Message) (string, string, error) {
	swipes, err := json.Marshal(msg.Swipes)
	if err != nil {
		return "", "", fmt.Errorf("encode swipes: %w", err)
	}
	record, err := json.Marshal(msg.Record)
	if err != nil {
		return "", "", fmt.Errorf("encode record: %w", err)
	}
	return string(swipes), string(record), nil
}

func touch(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, nowMS(), id); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string { return "conv-" + uuid.NewString() }
