package threads

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	user_id TEXT,
	kafka_profile_id TEXT,
	sandbox_id TEXT,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS thread_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	role TEXT NOT NULL,
	content TEXT,
	name TEXT,
	tool_calls TEXT,
	tool_call_id TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS thread_configs (
	thread_id TEXT PRIMARY KEY REFERENCES threads(id),
	config TEXT NOT NULL
);
`

// SQLiteStore is the local-deployment thread store backed by a SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (and migrates) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{sqlStore{db: db}}, nil
}
