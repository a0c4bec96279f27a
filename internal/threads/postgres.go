package threads

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	user_id TEXT,
	kafka_profile_id TEXT,
	sandbox_id TEXT,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS thread_messages (
	seq BIGSERIAL PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	role TEXT NOT NULL,
	content JSONB,
	name TEXT,
	tool_calls JSONB,
	tool_call_id TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS thread_configs (
	thread_id TEXT PRIMARY KEY REFERENCES threads(id),
	config JSONB NOT NULL
);
`

// PostgresStore is the production thread store, pointed at a Supabase (or
// any Postgres-compatible) database.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to the database at dsn and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &PostgresStore{sqlStore{db: db, postgres: true}}, nil
}
