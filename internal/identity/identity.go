// Package identity issues the anonymous identities redeemed tokens are bound to.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/store"
)

// Issuer creates identities and revokes them again. Revoke is the
// compensating action for an identity that never got a claim.
type Issuer interface {
	IssueAnonymous(ctx context.Context) (string, error)
	Revoke(ctx context.Context, id string) error
}

// StoreIssuer keeps the identity registry in the document store.
type StoreIssuer struct {
	db  store.Store
	now func() time.Time
}

// NewStoreIssuer creates a StoreIssuer.
func NewStoreIssuer(db store.Store) *StoreIssuer {
	return &StoreIssuer{db: db, now: time.Now}
}

// IssueAnonymous registers a fresh identity.
func (s *StoreIssuer) IssueAnonymous(ctx context.Context) (string, error) {
	id := uuid.NewString()
	err := s.db.Write(ctx, store.CreateOp(store.Item{
		Key:   store.IdentityKey(id),
		Value: model.Identity{ID: id, Anonymous: true, CreatedAt: s.now().UTC()},
	}))
	if err != nil {
		return "", fmt.Errorf("failed to register identity: %w", err)
	}
	return id, nil
}

// Revoke removes an identity. Revoking an unknown identity is not an error.
func (s *StoreIssuer) Revoke(ctx context.Context, id string) error {
	if err := s.db.Write(ctx, store.DeleteOp(store.IdentityKey(id))); err != nil {
		return fmt.Errorf("failed to revoke identity %s: %w", id, err)
	}
	return nil
}
