package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/polygraf/internal/crypto"
	"github.com/jun/polygraf/internal/identity"
	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/store"
	"github.com/jun/polygraf/internal/store/memory"
)

// scriptedRandom replays fixed byte slices, then falls back to crypto/rand.
type scriptedRandom struct {
	script [][]byte
	err    error
}

func (r *scriptedRandom) Random(ctx context.Context, n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.script) > 0 {
		out := r.script[0]
		r.script = r.script[1:]
		return out, nil
	}
	return crypto.NewSystemRandom().Random(ctx, n)
}

func TestNewKey_Format(t *testing.T) {
	for i := 0; i < 50; i++ {
		key, err := NewKey(context.Background(), crypto.NewSystemRandom())
		require.NoError(t, err)
		assert.True(t, ValidKeyFormat(key), key)
		assert.False(t, strings.ContainsAny(key[4:], "01OIL"), key)
	}
}

func TestNewKey_RejectsBiasedBytes(t *testing.T) {
	// 248 and above are discarded; 0 maps to 'A', 30 to '9'.
	script := [][]byte{
		{255, 248, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30, 0, 30},
	}
	key, err := NewKey(context.Background(), &scriptedRandom{script: script})
	require.NoError(t, err)
	assert.Equal(t, "KEY-A9A9-A9A9-A9A9", key)
}

func TestNewKey_RandomFailure(t *testing.T) {
	boom := errors.New("kms unavailable")
	_, err := NewKey(context.Background(), &scriptedRandom{err: boom})
	assert.ErrorIs(t, err, boom)
}

func newTestAdmin(random crypto.RandomSource) (*Admin, *memory.Store) {
	db := memory.New()
	a := NewAdmin(db, random, nil)
	return a, db
}

func TestAdmin_GenerateAndList(t *testing.T) {
	a, _ := newTestAdmin(crypto.NewSystemRandom())
	ctx := context.Background()
	tick := 0
	a.now = func() time.Time {
		tick++
		return testNow.Add(time.Duration(tick) * time.Second)
	}

	var generated []string
	for i := 0; i < 3; i++ {
		tok, err := a.Generate(ctx, model.RoleUser, 0, "admin-1")
		require.NoError(t, err)
		assert.False(t, tok.Used)
		assert.Nil(t, tok.ExpiresAt)
		generated = append(generated, tok.Token)
	}
	withTTL, err := a.Generate(ctx, model.RoleGuest, time.Hour, "admin-1")
	require.NoError(t, err)
	require.NotNil(t, withTTL.ExpiresAt)
	assert.True(t, withTTL.ExpiresAt.Equal(withTTL.CreatedAt.Add(time.Hour)))

	page, next, err := a.List(ctx, 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.NotEmpty(t, next)
	assert.Equal(t, withTTL.Token, page[0].Token)
	assert.Equal(t, generated[2], page[1].Token)

	page, next, err = a.List(ctx, 3, next)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Empty(t, next)
	assert.Equal(t, generated[0], page[0].Token)

	history, err := a.History(ctx, generated[0])
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.AuditCreated, history[0].Event)
	assert.Equal(t, "admin-1", history[0].Actor)
}

func TestAdmin_Generate_InvalidRole(t *testing.T) {
	a, db := newTestAdmin(crypto.NewSystemRandom())
	_, err := a.Generate(context.Background(), model.Role("root"), 0, "admin-1")
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.Equal(t, 0, db.Len())
}

func TestAdmin_Generate_RegeneratesOnCollision(t *testing.T) {
	same := make([]byte, 24) // all zero: KEY-AAAA-AAAA-AAAA
	a, _ := newTestAdmin(&scriptedRandom{script: [][]byte{same, same}})
	ctx := context.Background()

	first, err := a.Generate(ctx, model.RoleUser, 0, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "KEY-AAAA-AAAA-AAAA", first.Token)

	second, err := a.Generate(ctx, model.RoleUser, 0, "admin-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestAdmin_Revoke(t *testing.T) {
	a, db := newTestAdmin(crypto.NewSystemRandom())
	ctx := context.Background()

	unused, err := a.Generate(ctx, model.RoleUser, 0, "admin-1")
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, unused.Token, "admin-1"))

	var tok model.AccessToken
	assert.ErrorIs(t, db.Get(ctx, store.TokenKey(unused.Token), &tok), store.ErrNotFound)
	assert.ErrorIs(t, a.Revoke(ctx, unused.Token, "admin-1"), ErrTokenNotFound)

	history, err := a.History(ctx, unused.Token)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.AuditRevoked, history[1].Event)

	// Redeemed keys cannot be revoked.
	used, err := a.Generate(ctx, model.RoleUser, 0, "admin-1")
	require.NoError(t, err)
	e := NewEngine(db, identity.NewMockIssuer(), nil)
	_, err = e.Redeem(ctx, used.Token)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Revoke(ctx, used.Token, "admin-1"), ErrAlreadyUsed)

	// Revoked keys no longer redeem.
	_, err = e.Redeem(ctx, unused.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
