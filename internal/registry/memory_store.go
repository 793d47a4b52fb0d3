package registry

import (
	"context"
	"sync"
)

// MemoryStore keeps the registry in process memory. Reads and writes copy.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string][]Token
	writes map[string]int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes: make(map[string][]Token),
		writes: make(map[string]int),
	}
}

// Tokens returns the tokens stored for scope.
func (s *MemoryStore) Tokens(_ context.Context, scope string) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTokens(s.scopes[scope]), nil
}

// ReplaceTokens swaps the scope's registry for tokens.
func (s *MemoryStore) ReplaceTokens(_ context.Context, scope string, tokens []Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope] = cloneTokens(tokens)
	s.writes[scope]++
	return nil
}

// Writes returns how many times the scope was replaced.
func (s *MemoryStore) Writes(scope string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[scope]
}
