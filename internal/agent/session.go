package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Common session store errors.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
)

// SessionStore persists conversations across runs. The loop itself only
// needs AppendMessage (through PersistTo); the orchestrator uses the rest
// to resume and manage sessions.
type SessionStore interface {
	// CreateSession creates a new session record.
	CreateSession(ctx context.Context, session *models.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage adds a message to a session's history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// History retrieves a session's messages in order. A limit of zero
	// returns everything; otherwise the most recent limit messages.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// PersistTo adapts a store into the loop's PersistFunc for one session.
// Store errors are swallowed: persistence is best-effort and must never
// stall the loop.
func PersistTo(store SessionStore, sessionID string) PersistFunc {
	return func(msg *models.Message) {
		_ = store.AppendMessage(context.Background(), sessionID, msg)
	}
}

// MemorySessionStore implements SessionStore with in-memory storage.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, ok := s.sessions[session.ID]; ok {
		return ErrSessionAlreadyExists
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *MemorySessionStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *MemorySessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemorySessionStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	// Repaired transcripts re-persist tool messages; replace by ID rather
	// than appending a duplicate.
	if msg.ID != "" {
		for i, existing := range s.messages[sessionID] {
			if existing.ID == msg.ID {
				s.messages[sessionID][i] = msg
				session.UpdatedAt = time.Now()
				return nil
			}
		}
	}

	s.messages[sessionID] = append(s.messages[sessionID], msg)
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	return &clone
}
