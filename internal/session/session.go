// Package session keeps multi-turn conversation history within a token
// budget. Long histories are compressed on append once they reach a
// threshold, and a background worker writes periodic summaries.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/normanking/cortex-orchestrator/internal/llm"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyStarted = errors.New("summary worker already started")
)

// Message is one history entry. Messages are append-only.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata tracks compression and summary state.
type Metadata struct {
	MessageCount         int       `json:"message_count"`
	TokenSavings         int       `json:"token_savings"`
	CompressionCount     int       `json:"compression_count"`
	Summary              string    `json:"summary,omitempty"`
	SummaryKind          string    `json:"summary_kind,omitempty"`
	SummaryAt            time.Time `json:"summary_at,omitempty"`
	MessagesSinceSummary int       `json:"messages_since_summary"`
}

// Session is one conversation's history.
type Session struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`

	// CompressedHistory summarizes messages removed by compression.
	CompressedHistory string `json:"compressed_history,omitempty"`

	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	return &out
}

// LLMMessages converts the history for a model request. A non-empty
// compressed history is prepended as a system message.
func (s *Session) LLMMessages() []llm.Message {
	out := make([]llm.Message, 0, len(s.Messages)+1)
	if s.CompressedHistory != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Earlier in this conversation: " + s.CompressedHistory})
	}
	for _, m := range s.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Store persists sessions.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	// LoadSession returns ErrNotFound for unknown ids.
	LoadSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns sessions ordered by last update, newest first.
	// limit <= 0 means no limit.
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
