package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/dexsync/internal/registry"
)

// TokenStore keeps one ordered token list per scope in the token_registry table.
type TokenStore struct {
	pool *pgxpool.Pool
}

var _ registry.Store = (*TokenStore)(nil)

// NewTokenStore constructs a TokenStore backed by the provided pgx pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

const (
	tokenSelectSQL = `
SELECT address, token_id, symbol, name, decimals
FROM token_registry
WHERE scope = $1
ORDER BY position;
`
	tokenDeleteSQL = `DELETE FROM token_registry WHERE scope = $1;`
	tokenInsertSQL = `
INSERT INTO token_registry (
    scope,
    address,
    token_id,
    symbol,
    name,
    decimals,
    position,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (scope, address) DO UPDATE SET
    token_id = EXCLUDED.token_id,
    symbol = EXCLUDED.symbol,
    name = EXCLUDED.name,
    decimals = EXCLUDED.decimals,
    position = EXCLUDED.position,
    updated_at = NOW();
`
)

// Tokens loads the registry snapshot for scope in stored order.
func (s *TokenStore) Tokens(ctx context.Context, scope string) ([]registry.Token, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("token store: nil pool")
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return nil, fmt.Errorf("token store: scope required")
	}
	rows, err := s.pool.Query(ctx, tokenSelectSQL, trimmed)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []registry.Token
	for rows.Next() {
		var (
			token registry.Token
			id    *int32
		)
		if err := rows.Scan(&token.Address, &id, &token.Symbol, &token.Name, &token.Decimals); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if id != nil {
			token = token.WithID(uint16(*id))
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// ReplaceTokens atomically swaps the stored list for scope.
func (s *TokenStore) ReplaceTokens(ctx context.Context, scope string, tokens []registry.Token) error {
	if s.pool == nil {
		return fmt.Errorf("token store: nil pool")
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return fmt.Errorf("token store: scope required")
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, tokenDeleteSQL, trimmed); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	for idx, token := range tokens {
		var id *int32
		if token.ID != nil {
			v := int32(*token.ID)
			id = &v
		}
		if _, err := tx.Exec(ctx, tokenInsertSQL,
			trimmed, token.Key(), id, token.Symbol, token.Name, token.Decimals, idx); err != nil {
			return fmt.Errorf("insert token %s: %w", token.Key(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}
	return nil
}
