package threads

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentd/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	configs  map[string]*Config
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		configs:  map[string]*Config{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread, systemMessage string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := &models.Thread{}
	if thread != nil {
		*clone = *thread
	}
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.threads[clone.ID] = clone

	if systemMessage != "" {
		m.messages[clone.ID] = append(m.messages[clone.ID], &models.Message{
			Role:    models.RoleSystem,
			Content: models.NewTextContent(systemMessage),
		})
	}

	out := *clone
	return &out, nil
}

func (m *MemoryStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.threads[threadID]
	return ok, nil
}

func (m *MemoryStore) GetThreadMessages(ctx context.Context, threadID string, limit int, includeSystem bool) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.messages[threadID]
	out := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		if !includeSystem && msg.Role == models.RoleSystem {
			continue
		}
		out = append(out, msg.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, threadID string, msg *models.Message) error {
	return m.AddMessages(ctx, threadID, []*models.Message{msg})
}

func (m *MemoryStore) AddMessages(ctx context.Context, threadID string, msgs []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		m.messages[threadID] = append(m.messages[threadID], msg.Clone())
	}
	return nil
}

func (m *MemoryStore) DeleteThreadMessages(ctx context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return 0, ErrThreadNotFound
	}
	count := len(m.messages[threadID])
	delete(m.messages, threadID)
	return count, nil
}

func (m *MemoryStore) GetThreadSandboxID(ctx context.Context, threadID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return "", ErrThreadNotFound
	}
	return thread.SandboxID, nil
}

func (m *MemoryStore) UpdateThreadSandboxID(ctx context.Context, threadID, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	thread.SandboxID = sandboxID
	return nil
}

func (m *MemoryStore) GetThreadConfig(ctx context.Context, threadID string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[threadID]
	if !ok {
		return nil, nil
	}
	out := *cfg
	return &out, nil
}

// SetThreadConfig stores a claim payload for a thread. Production stores
// derive this from provisioning tables; the in-memory store takes it
// directly for tests.
func (m *MemoryStore) SetThreadConfig(threadID string, cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[threadID] = cfg
}
