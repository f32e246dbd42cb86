package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	room_id      TEXT    NOT NULL,
	sender_id    TEXT    NOT NULL,
	display_name TEXT    NOT NULL,
	text         TEXT    NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room_seq ON messages (room_id, seq);
`

// SQLite stores messages in a single SQLite table. Insertion order (seq)
// is the authoritative message order.
type SQLite struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// OpenSQLite opens the database file at path and creates the schema. An
// empty path or ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	inMemory := path == "" || path == ":memory:"

	dsn := ":memory:"
	if !inMemory {
		clean := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
		dsn = "file:" + clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	if inMemory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create sqlite schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	msg := draft.Persisted(newID(), now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, display_name, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.DisplayName, msg.Text, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return chat.Message{}, chat.NewStorageError("save", errors.Wrap(err, "insert message"))
	}
	return msg, nil
}

func (s *SQLite) LoadRecent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, display_name, text, created_at
		 FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, chat.NewStorageError("load", errors.Wrap(err, "query messages"))
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg     chat.Message
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.DisplayName, &msg.Text, &created); err != nil {
			return nil, chat.NewStorageError("load", errors.Wrap(err, "scan message"))
		}
		msg.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, chat.NewStorageError("load", errors.Wrap(err, "iterate messages"))
	}
	reverse(out)
	return out, nil
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
