package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatrelay/pkg/models"
)

// maxTurnsPerSession trims the oldest turns when a transcript grows past the
// limit, preventing unbounded memory growth in long-lived sessions.
const maxTurnsPerSession = 1000

// MemoryStore is the in-memory Store implementation. Conversation history
// lives only in process memory; a restart clears it.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	turns    map[string][]models.Turn

	idleTTL time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		turns:    map[string][]models.Turn{},
		stop:     make(chan struct{}),
	}
}

// StartExpiry begins a sweep that evicts sessions idle longer than ttl.
// Disabled when ttl <= 0, matching the reference keep-forever behavior.
func (m *MemoryStore) StartExpiry(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.idleTTL = ttl
	m.mu.Unlock()

	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Close stops the expiry sweeper.
func (m *MemoryStore) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.idleTTL)
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.byKey, s.Key)
			delete(m.turns, id)
		}
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if s, ok := m.sessions[id]; ok {
			return cloneSession(s), nil
		}
	}

	now := time.Now()
	s := &models.Session{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s
	m.byKey[key] = s.ID
	return cloneSession(s), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	turns := m.turns[id]
	out := make([]models.Turn, len(turns))
	for i := range turns {
		out[i] = cloneTurn(turns[i])
	}
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, id string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	clone := cloneTurn(turn)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.turns[id] = append(m.turns[id], clone)

	if len(m.turns[id]) > maxTurnsPerSession {
		excess := len(m.turns[id]) - maxTurnsPerSession
		// Advance the cut to the next user turn so a tool result is never
		// separated from the assistant turn that requested it.
		turns := m.turns[id]
		cut := excess
		for cut < len(turns) && turns[cut].Role != models.RoleUser {
			cut++
		}
		m.turns[id] = turns[cut:]
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	m.turns[id] = nil
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TruncateToUserCount(ctx context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if n <= 0 {
		m.turns[id] = nil
		s.UpdatedAt = time.Now()
		return nil
	}

	turns := m.turns[id]
	seen := 0
	cut := len(turns)
	for i := range turns {
		if turns[i].Role == models.RoleUser {
			seen++
			if seen == n {
				cut = i + 1
				break
			}
		}
	}
	m.turns[id] = turns[:cut]
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReplaceOrAppendLastAssistant(ctx context.Context, id string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	turns := m.turns[id]
	if len(turns) > 0 && turns[len(turns)-1].Role == models.RoleAssistant && len(turns[len(turns)-1].ToolCalls) == 0 {
		turns[len(turns)-1].Content = text
		s.UpdatedAt = time.Now()
		return nil
	}

	m.turns[id] = append(turns, models.Turn{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DropLastAssistant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	turns := m.turns[id]
	if len(turns) > 0 && turns[len(turns)-1].Role == models.RoleAssistant {
		m.turns[id] = turns[:len(turns)-1]
		s.UpdatedAt = time.Now()
	}
	return nil
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

func cloneTurn(t models.Turn) models.Turn {
	clone := t
	if len(t.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, t.Attachments...)
	}
	if len(t.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Input != nil {
				clone.ToolCalls[i].Input = append([]byte{}, tc.Input...)
			}
		}
	}
	return clone
}
