// Package threads persists conversation history per thread and rebuilds it
// for the model provider. Three Store implementations exist: in-memory for
// tests and ephemeral runs, SQLite for local single-node deployments, and
// Postgres for production.
package threads

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentd/pkg/models"
)

// ErrThreadNotFound indicates an operation referenced a thread that does
// not exist.
var ErrThreadNotFound = errors.New("thread not found")

// Config is the per-thread claim payload handed to a sandbox: identity,
// credentials, and the optional global prompt.
type Config struct {
	UserID         string            `json:"user_id,omitempty"`
	KafkaProfileID string            `json:"kafka_profile_id,omitempty"`
	MemoryDSN      string            `json:"memory_dsn,omitempty"`
	VirtualKeys    map[string]string `json:"virtual_keys,omitempty"`
	VMAPIKey       string            `json:"vm_api_key,omitempty"`
	GlobalPrompt   string            `json:"global_prompt,omitempty"`
}

// Store persists threads and their messages. Messages are totally ordered
// by insertion; implementations must return them in that order.
type Store interface {
	// CreateThread creates a thread. A zero ID is generated. When
	// systemMessage is non-empty it is stored as the thread's first message.
	CreateThread(ctx context.Context, thread *models.Thread, systemMessage string) (*models.Thread, error)

	// ThreadExists reports whether the thread exists.
	ThreadExists(ctx context.Context, threadID string) (bool, error)

	// GetThreadMessages returns the thread's messages in order. A positive
	// limit returns only the newest limit messages. System messages are
	// filtered out unless includeSystem is set.
	GetThreadMessages(ctx context.Context, threadID string, limit int, includeSystem bool) ([]*models.Message, error)

	// AddMessage appends one message to the thread.
	AddMessage(ctx context.Context, threadID string, msg *models.Message) error

	// AddMessages appends messages to the thread in order.
	AddMessages(ctx context.Context, threadID string, msgs []*models.Message) error

	// DeleteThreadMessages removes all messages of a thread, returning the
	// number removed. The thread itself survives.
	DeleteThreadMessages(ctx context.Context, threadID string) (int, error)

	// GetThreadSandboxID returns the sandbox bound to the thread, or empty.
	GetThreadSandboxID(ctx context.Context, threadID string) (string, error)

	// UpdateThreadSandboxID rebinds the thread to a sandbox.
	UpdateThreadSandboxID(ctx context.Context, threadID, sandboxID string) error

	// GetThreadConfig returns the thread's claim payload, or nil when the
	// thread has none.
	GetThreadConfig(ctx context.Context, threadID string) (*Config, error)
}
