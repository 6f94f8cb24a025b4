package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store backed by a mutex-protected map.
// Documents are deep-copied on save and load so callers never share
// mutable state with the store. It backs tests and the lock-timeout
// fallback path.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*State
	locks    map[string]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*State),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock serializes access per session id.
func (m *MemoryStore) Lock(_ context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}

// Load returns a deep copy of the stored document, or a fresh one.
func (m *MemoryStore) Load(sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.sessions[sessionID]; ok {
		return st.Clone(), nil
	}
	return New(sessionID), nil
}

// Save deep-copies the document into the store.
func (m *MemoryStore) Save(st *State) error {
	if st == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[st.SessionID] = st.Clone()
	return nil
}

// Delete removes the document. Absent documents are ignored.
func (m *MemoryStore) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// Has reports whether a document exists for the session, without creating
// one.
func (m *MemoryStore) Has(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[sessionID]
	return ok
}
