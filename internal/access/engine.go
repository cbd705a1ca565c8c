// Package access implements access-key redemption and key administration.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/identity"
	"github.com/jun/polygraf/internal/metrics"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/store"
)

// compensateTimeout bounds the identity revoke after a failed redemption.
const compensateTimeout = 10 * time.Second

// Engine exchanges access keys for identity claims, at most once per key.
type Engine struct {
	db       store.Store
	issuer   identity.Issuer
	logger   *slog.Logger
	guestKey string
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuestKey enables a shared demo key that signs in as a guest without
// consuming anything. Matching ignores case and surrounding spaces.
func WithGuestKey(key string) Option {
	return func(e *Engine) { e.guestKey = strings.ToUpper(strings.TrimSpace(key)) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(db store.Store, issuer identity.Issuer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{db: db, issuer: issuer, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redeem consumes token and returns the claim of a newly issued identity.
// Concurrent calls with the same token succeed at most once; the others
// fail with ErrAlreadyUsed.
func (e *Engine) Redeem(ctx context.Context, token string) (profile *model.UserProfile, err error) {
	defer func() { metrics.Redemptions.WithLabelValues(Kind(err)).Inc() }()

	if e.guestKey != "" && strings.ToUpper(strings.TrimSpace(token)) == e.guestKey {
		return e.redeemGuest(ctx)
	}
	if token == "" {
		return nil, ErrTokenNotFound
	}

	var tok model.AccessToken
	if err := e.db.Get(ctx, store.TokenKey(token), &tok); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if tok.Used {
		return nil, ErrAlreadyUsed
	}
	if tok.Expired(e.now()) {
		return nil, ErrExpired
	}

	id, err := e.issuer.IssueAnonymous(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityIssuance, err)
	}

	// The identity exists outside the transaction; every failure from here
	// on must revoke it again.
	profile, err = e.claim(ctx, token, id)
	if err != nil {
		e.compensate(ctx, id, err)
		return nil, err
	}

	e.logger.Info("access key redeemed",
		slog.String("user_id", id),
		slog.String("role", string(profile.Role)),
	)
	return profile, nil
}

// claim marks token used by id and writes the identity claim in one
// transaction. The token is re-read inside it so that a concurrent
// redeemer that passed the first checks cannot also commit.
func (e *Engine) claim(ctx context.Context, token, id string) (*model.UserProfile, error) {
	var profile *model.UserProfile
	err := e.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
		now := e.now().UTC()

		var tok model.AccessToken
		if err := tx.Get(ctx, store.TokenKey(token), &tok); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrTokenNotFound
			}
			return err
		}
		if tok.Used {
			return ErrAlreadyUsed
		}
		if tok.Expired(now) {
			return ErrExpired
		}

		tx.Merge(store.TokenKey(token), map[string]any{
			"used":   true,
			"usedBy": id,
			"usedAt": now,
		})

		p, err := mergeProfile(ctx, tx, id, map[string]any{
			"role":        tok.Role,
			"linkedToken": token,
		}, now)
		if err != nil {
			return err
		}

		audit := model.AuditEvent{
			ID:    uuid.NewString(),
			Token: token,
			Event: model.AuditActivated,
			Actor: id,
			At:    now,
		}
		tx.Put(store.Item{Key: store.AuditKey(token, now, audit.ID), Value: audit})

		profile = p
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return profile, nil
}

// mergeProfile upserts the profile of id inside tx, keeping fields it does
// not set. createdAt is only written for a new profile.
func mergeProfile(ctx context.Context, tx store.Txn, id string, fields map[string]any, now time.Time) (*model.UserProfile, error) {
	var p model.UserProfile
	err := tx.Get(ctx, store.UserKey(id), &p)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	update := map[string]any{
		"id":          id,
		"lastLoginAt": now,
	}
	if !exists {
		update["createdAt"] = now
		p = model.UserProfile{ID: id, CreatedAt: now}
	}
	for k, v := range fields {
		update[k] = v
	}
	tx.Merge(store.UserKey(id), update)

	p.LastLoginAt = now
	if role, ok := fields["role"].(model.Role); ok {
		p.Role = role
	}
	if linked, ok := fields["linkedToken"].(string); ok {
		p.LinkedToken = linked
	}
	if email, ok := fields["email"].(string); ok {
		p.Email = email
	}
	return &p, nil
}

// translate maps store failures to this package's errors and passes the
// package's own errors through.
func translate(err error) error {
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrAlreadyUsed),
		errors.Is(err, ErrExpired), errors.Is(err, ErrProfileNotFound):
		return err
	case errors.Is(err, store.ErrAborted):
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// compensate revokes an identity whose redemption failed. A revoke failure
// is logged and otherwise ignored so the caller sees the original error.
func (e *Engine) compensate(ctx context.Context, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := e.issuer.Revoke(ctx, id); err != nil {
		metrics.Compensations.WithLabelValues("failed").Inc()
		e.logger.Error("failed to revoke identity after failed redemption",
			slog.String("user_id", id),
			slog.String("cause", cause.Error()),
			slog.Any("error", err),
		)
		return
	}
	metrics.Compensations.WithLabelValues("ok").Inc()
	e.logger.Warn("revoked identity after failed redemption",
		slog.String("user_id", id),
		slog.String("cause", Kind(cause)),
	)
}

func (e *Engine) redeemGuest(ctx context.Context) (*model.UserProfile, error) {
	id, err := e.issuer.IssueAnonymous(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityIssuance, err)
	}

	var profile *model.UserProfile
	err = e.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
		p, err := mergeProfile(ctx, tx, id, map[string]any{"role": model.RoleGuest}, e.now().UTC())
		profile = p
		return err
	})
	if err != nil {
		err = translate(err)
		e.compensate(ctx, id, err)
		return nil, err
	}

	e.logger.Info("guest signed in", slog.String("user_id", id))
	return profile, nil
}

// Profile returns the claim of identity id.
func (e *Engine) Profile(ctx context.Context, id string) (*model.UserProfile, error) {
	var p model.UserProfile
	if err := e.db.Get(ctx, store.UserKey(id), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return &p, nil
}

// TouchLogin records a resumed session on an existing profile.
func (e *Engine) TouchLogin(ctx context.Context, id string) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := e.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
		if err := tx.Get(ctx, store.UserKey(id), &profile); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		profile.LastLoginAt = e.now().UTC()
		tx.Merge(store.UserKey(id), map[string]any{"lastLoginAt": profile.LastLoginAt})
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &profile, nil
}

// EnsureAdmin upserts the profile of an administrator who signed in with
// an allowlisted account.
func (e *Engine) EnsureAdmin(ctx context.Context, id, email string) (*model.UserProfile, error) {
	var profile *model.UserProfile
	err := e.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
		p, err := mergeProfile(ctx, tx, id, map[string]any{
			"role":  model.RoleAdmin,
			"email": email,
		}, e.now().UTC())
		profile = p
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return profile, nil
}
