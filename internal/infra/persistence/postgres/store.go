// Package postgres persists the token registry in PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/dexsync/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	tokens *TokenStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), tokens: NewTokenStore(pool)}
}

// Tokens returns the registry repository.
func (s *Store) Tokens() *TokenStore {
	return s.tokens
}
