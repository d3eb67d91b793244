package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the session list as encoded JSON so callers never share
// memory with what is "persisted", mirroring the sqlite store's semantics.
type MemoryStore struct {
	mu  sync.Mutex
	raw []byte

	// LoadErr and ReplaceErr, when set, are returned instead of touching state.
	LoadErr    error
	ReplaceErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadSessions(_ context.Context) ([]RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if len(m.raw) == 0 {
		return nil, nil
	}
	var sessions []RecordingSession
	if err := json.Unmarshal(m.raw, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

func (m *MemoryStore) ReplaceSessions(_ context.Context, sessions []RecordingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReplaceErr != nil {
		return m.ReplaceErr
	}
	if sessions == nil {
		sessions = []RecordingSession{}
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	m.raw = raw
	return nil
}
