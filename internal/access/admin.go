package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jun/polygraf/internal/crypto"
	"github.com/jun/polygraf/internal/metrics"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/store"
)

// maxKeyAttempts bounds regeneration after a key collision.
const maxKeyAttempts = 5

// Admin issues, lists and revokes access keys.
type Admin struct {
	db     store.Store
	random crypto.RandomSource
	logger *slog.Logger
	now    func() time.Time
}

// NewAdmin creates an Admin drawing key material from random.
func NewAdmin(db store.Store, random crypto.RandomSource, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{db: db, random: random, logger: logger, now: time.Now}
}

// Generate creates an unused key granting role. A positive ttl sets an
// expiry; zero means the key never expires.
func (a *Admin) Generate(ctx context.Context, role model.Role, ttl time.Duration, actor string) (*model.AccessToken, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := NewKey(ctx, a.random)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}

		now := a.now().UTC()
		tok := model.AccessToken{Token: key, Role: role, CreatedAt: now}
		if ttl > 0 {
			expires := now.Add(ttl)
			tok.ExpiresAt = &expires
		}
		audit := model.AuditEvent{ID: uuid.NewString(), Token: key, Event: model.AuditCreated, Actor: actor, At: now}

		err = a.db.Write(ctx,
			store.CreateOp(store.Item{Key: store.TokenKey(key), Index: store.TokenIndex(now, key), Value: tok}),
			store.CreateOp(store.Item{Key: store.AuditKey(key, now, audit.ID), Value: audit}),
		)
		if errors.Is(err, store.ErrConflict) {
			a.logger.Warn("access key collision, regenerating", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}

		metrics.KeysIssued.WithLabelValues(string(role)).Inc()
		a.logger.Info("access key generated",
			slog.String("role", string(role)),
			slog.String("actor", actor),
		)
		return &tok, nil
	}
	return nil, fmt.Errorf("%w: no unique key after %d attempts", ErrStorage, maxKeyAttempts)
}

// List returns keys newest first.
func (a *Admin) List(ctx context.Context, limit int, cursor string) ([]model.AccessToken, string, error) {
	var tokens []model.AccessToken
	next, err := a.db.Query(ctx, store.Query{
		Index:     store.IndexByGroup,
		Partition: store.TokensPartition,
		Desc:      true,
		Limit:     limit,
		Cursor:    cursor,
	}, &tokens)
	if err != nil {
		if errors.Is(err, store.ErrBadCursor) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return tokens, next, nil
}

// Revoke deletes an unused key. Used keys stay as the record of who
// redeemed them and fail with ErrAlreadyUsed.
func (a *Admin) Revoke(ctx context.Context, token, actor string) error {
	err := a.db.RunTx(ctx, func(ctx context.Context, tx store.Txn) error {
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

		now := a.now().UTC()
		audit := model.AuditEvent{ID: uuid.NewString(), Token: token, Event: model.AuditRevoked, Actor: actor, At: now}
		tx.Delete(store.TokenKey(token))
		tx.Put(store.Item{Key: store.AuditKey(token, now, audit.ID), Value: audit})
		return nil
	})
	if err != nil {
		return translate(err)
	}

	a.logger.Info("access key revoked", slog.String("actor", actor))
	return nil
}

// History returns the audit trail of a key, oldest first. It outlives the
// key itself.
func (a *Admin) History(ctx context.Context, token string) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	if _, err := a.db.Query(ctx, store.Query{Partition: store.AuditPartition(token)}, &events); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return events, nil
}
