// Package identity turns bearer tokens into account identities.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatd/internal/crypto"
	"github.com/eldtechnologies/chatd/internal/models"
)

// ErrUnauthenticated is returned for any token that does not map to a known account.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	AccountID   uuid.UUID
	DisplayName string
	AvatarURL   string
}

// Resolver maps a bearer token to an identity.
type Resolver interface {
	Resolve(ctx context.Context, bearer string) (*Identity, error)
}

// AccountLookup is the store method the token resolver needs.
type AccountLookup interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// TokenResolver verifies Ed25519-signed tokens and checks the account exists.
type TokenResolver struct {
	publicKey ed25519.PublicKey
	accounts  AccountLookup
	now       func() time.Time
}

// NewTokenResolver creates a resolver from a base64 Ed25519 public key.
func NewTokenResolver(publicKeyB64 string, accounts AccountLookup) (*TokenResolver, error) {
	pub, err := crypto.ValidatePublicKey(publicKeyB64)
	if err != nil {
		return nil, err
	}
	return &TokenResolver{publicKey: pub, accounts: accounts, now: time.Now}, nil
}

// Resolve fails closed: every failure, including store errors, is ErrUnauthenticated.
func (r *TokenResolver) Resolve(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := crypto.ParseToken(r.publicKey, bearer, r.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not an account id", ErrUnauthenticated)
	}

	account, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: account lookup: %v", ErrUnauthenticated, err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: unknown account", ErrUnauthenticated)
	}

	return &Identity{
		AccountID:   account.ID,
		DisplayName: account.DisplayName,
		AvatarURL:   account.AvatarURL,
	}, nil
}
