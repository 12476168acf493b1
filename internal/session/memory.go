package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// cleanupInterval controls how often expired sessions are reaped.
const cleanupInterval = 5 * time.Minute

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are lost on
// restart and not shared between replicas.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an empty store and starts a background goroutine
// that removes expired sessions. Call Stop to end it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]memoryEntry),
		stopGC:   make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *MemoryStore) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopGC:
			return
		}
	}
}

func (s *MemoryStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Load returns a copy of the session data so callers never share it.
func (s *MemoryStore) Load(_ context.Context, id string) (*Data, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}

	var d Data
	if err := json.Unmarshal(e.data, &d); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	return &d, nil
}

func (s *MemoryStore) Save(_ context.Context, id string, data *Data, ttl time.Duration) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	s.mu.Lock()
	s.sessions[id] = memoryEntry{data: b, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	return nil
}
