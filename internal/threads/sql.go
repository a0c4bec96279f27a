package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentd/pkg/models"
)

// sqlStore implements Store over database/sql. The two concrete backends
// (SQLite for LOCAL_DB_PATH deployments, Postgres for Supabase-compatible
// production databases) share everything except the driver, the schema
// bootstrap, and the placeholder style.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// bind rewrites ? placeholders to $n for the Postgres driver.
func (s *sqlStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.bind(query), args...)
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) CreateThread(ctx context.Context, thread *models.Thread, systemMessage string) (*models.Thread, error) {
	out := &models.Thread{}
	if thread != nil {
		*out = *thread
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(out.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO threads (id, created_at, user_id, kafka_profile_id, sandbox_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.CreatedAt, out.UserID, out.KafkaProfileID, out.SandboxID, string(metadata))
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	if systemMessage != "" {
		err := s.AddMessage(ctx, out.ID, &models.Message{
			Role:    models.RoleSystem,
			Content: models.NewTextContent(systemMessage),
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query thread: %w", err)
	}
	return true, nil
}

func (s *sqlStore) GetThreadMessages(ctx context.Context, threadID string, limit int, includeSystem bool) ([]*models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT role, content, name, tool_calls, tool_call_id
		 FROM thread_messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var role, content, name, toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&role, &content, &name, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg := &models.Message{
			Role:       models.Role(role.String),
			Name:       name.String,
			ToolCallID: toolCallID.String,
		}
		if content.Valid && content.String != "" {
			var mc models.MessageContent
			if err := json.Unmarshal([]byte(content.String), &mc); err != nil {
				return nil, fmt.Errorf("decode content: %w", err)
			}
			msg.Content = &mc
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if !includeSystem && msg.Role == models.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *sqlStore) AddMessage(ctx context.Context, threadID string, msg *models.Message) error {
	return s.AddMessages(ctx, threadID, []*models.Message{msg})
}

func (s *sqlStore) AddMessages(ctx context.Context, threadID string, msgs []*models.Message) error {
	exists, err := s.ThreadExists(ctx, threadID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrThreadNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if msg == nil {
			continue
		}

		var content any
		if msg.Content != nil {
			raw, err := json.Marshal(msg.Content)
			if err != nil {
				return fmt.Errorf("marshal content: %w", err)
			}
			content = string(raw)
		}
		var toolCalls any
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(raw)
		}

		_, err = tx.ExecContext(ctx, s.bind(
			`INSERT INTO thread_messages (thread_id, role, content, name, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			threadID, string(msg.Role), content, msg.Name, toolCalls, msg.ToolCallID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteThreadMessages(ctx context.Context, threadID string) (int, error) {
	result, err := s.exec(ctx, `DELETE FROM thread_messages WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *sqlStore) GetThreadSandboxID(ctx context.Context, threadID string) (string, error) {
	var sandboxID sql.NullString
	err := s.queryRow(ctx, `SELECT sandbox_id FROM threads WHERE id = ?`, threadID).Scan(&sandboxID)
	if err == sql.ErrNoRows {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query sandbox id: %w", err)
	}
	return sandboxID.String, nil
}

func (s *sqlStore) UpdateThreadSandboxID(ctx context.Context, threadID, sandboxID string) error {
	result, err := s.exec(ctx, `UPDATE threads SET sandbox_id = ? WHERE id = ?`, sandboxID, threadID)
	if err != nil {
		return fmt.Errorf("update sandbox id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *sqlStore) GetThreadConfig(ctx context.Context, threadID string) (*Config, error) {
	var raw sql.NullString
	err := s.queryRow(ctx, `SELECT config FROM thread_configs WHERE thread_id = ?`, threadID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thread config: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw.String), &cfg); err != nil {
		return nil, fmt.Errorf("decode thread config: %w", err)
	}
	return &cfg, nil
}

// SetThreadConfig stores a claim payload for a thread.
func (s *sqlStore) SetThreadConfig(ctx context.Context, threadID string, cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal thread config: %w", err)
	}
	if s.postgres {
		_, err = s.exec(ctx,
			`INSERT INTO thread_configs (thread_id, config) VALUES (?, ?)
			 ON CONFLICT (thread_id) DO UPDATE SET config = EXCLUDED.config`,
			threadID, string(raw))
	} else {
		_, err = s.exec(ctx,
			`INSERT OR REPLACE INTO thread_configs (thread_id, config) VALUES (?, ?)`,
			threadID, string(raw))
	}
	if err != nil {
		return fmt.Errorf("upsert thread config: %w", err)
	}
	return nil
}
