package database

import (
	"context"
	"sync"
)

// MemoryStore 进程内会话存储，仅在进程存活期间有效
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionData),
	}
}

func (ms *MemoryStore) LoadSession(_ context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.ClientID] = session.Clone()
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}
