// Package registry keeps the locally cached token registry aligned with the
// remote ledger.
package registry

import (
	"context"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Token is one registry entry. Address is the stable key; ID stays nil until
// the ledger has resolved it.
type Token struct {
	Address  string  `json:"address"`
	ID       *uint16 `json:"id,omitempty"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Decimals int32   `json:"decimals"`
}

// NormalizeAddress renders an address in the form used as registry key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Key returns the normalised address.
func (t Token) Key() string {
	return NormalizeAddress(t.Address)
}

// WithID returns a copy of t carrying id.
func (t Token) WithID(id uint16) Token {
	out := t.Clone()
	out.ID = &id
	return out
}

// Clone returns a deep copy.
func (t Token) Clone() Token {
	if t.ID != nil {
		id := *t.ID
		t.ID = &id
	}
	return t
}

// Resolved reports whether the ledger id is known.
func (t Token) Resolved() bool {
	return t.ID != nil
}

// FormatAmount renders a raw integer amount in whole token units.
func (t Token) FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -t.Decimals).String()
}

func cloneTokens(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		out[i] = t.Clone()
	}
	return out
}

// Kind classifies one reconciliation attempt for a token.
type Kind int

const (
	// KindUpdated means the ledger confirmed the token and its id was refreshed.
	KindUpdated Kind = iota
	// KindRemoved means the ledger no longer lists the token.
	KindRemoved
	// KindFailed means the ledger could not be asked. It says nothing about registration.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindUpdated:
		return "updated"
	case KindRemoved:
		return "removed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of reconciling one token.
type Outcome struct {
	Kind  Kind
	Token Token
	Err   error
}

// Ledger answers registration queries for a scope.
type Ledger interface {
	HasToken(ctx context.Context, scope, address string) (bool, error)
	ResolveID(ctx context.Context, scope, address string) (uint16, error)
}

// Store persists the registry per scope.
type Store interface {
	Tokens(ctx context.Context, scope string) ([]Token, error)
	ReplaceTokens(ctx context.Context, scope string, tokens []Token) error
}
