package service

import (
	"context"
	"testing"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/secrets"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	"github.com/go-chi/jwtauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAuth(t *testing.T) (*AuthService, *testClock) {
	t.Helper()
	vault, err := secrets.NewVaultWithCost(bcrypt.MinCost, map[models.Role]string{
		models.RoleAdmin:    "admin-pw",
		models.RolePreposto: "preposto-pw",
	})
	require.NoError(t, err)
	clock := newTestClock()
	tokenAuth := jwtauth.New("HS256", []byte("test-secret"), nil)
	return NewAuthService(store.NewMemoryStore(), vault, tokenAuth, clock.Now), clock
}

func TestLogin(t *testing.T) {
	auth, _ := newAuth(t)
	ctx := context.Background()

	res, err := auth.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.Token)

	token, err := auth.TokenAuth().Decode(res.Token)
	require.NoError(t, err)
	claims, err := token.AsMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims[ClaimRole])
	assert.Equal(t, res.SessionID, claims[ClaimSession])

	_, err = auth.Login(ctx, "admin", "preposto-pw")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = auth.Login(ctx, "guest", "admin-pw")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = auth.Login(ctx, "admin", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSessionLifecycle(t *testing.T) {
	auth, clock := newAuth(t)
	ctx := context.Background()

	a, err := auth.Login(ctx, "admin", "admin-pw")
	require.NoError(t, err)
	_, err = auth.Login(ctx, "preposto", "preposto-pw")
	require.NoError(t, err)
	_, err = auth.Login(ctx, "preposto", "preposto-pw")
	require.NoError(t, err)

	active, err := auth.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActiveSessions{Admin: 1, Preposto: 2}, active)

	sess, err := auth.ValidateSession(ctx, a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, sess.Role)

	require.NoError(t, auth.Logout(ctx, a.SessionID))
	_, err = auth.ValidateSession(ctx, a.SessionID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, auth.Logout(ctx, ""), ErrValidation)

	clock.Advance(models.SessionTTL + time.Second)
	active, err = auth.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActiveSessions{}, active, "expired sessions are not counted")

	n, err := auth.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExpiredSessionIsRejected(t *testing.T) {
	auth, clock := newAuth(t)
	ctx := context.Background()

	res, err := auth.Login(ctx, "preposto", "preposto-pw")
	require.NoError(t, err)
	clock.Advance(models.SessionTTL)

	_, err = auth.ValidateSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestChangePassword(t *testing.T) {
	auth, _ := newAuth(t)
	ctx := context.Background()

	assert.ErrorIs(t, auth.ChangePassword(ctx, "admin", "nope", "new-pw"), ErrUnauthorized)
	assert.ErrorIs(t, auth.ChangePassword(ctx, "guest", "admin-pw", "new-pw"), ErrValidation)
	assert.ErrorIs(t, auth.ChangePassword(ctx, "admin", "admin-pw", ""), ErrValidation)

	require.NoError(t, auth.ChangePassword(ctx, "admin", "admin-pw", "new-pw"))
	_, err := auth.Login(ctx, "admin", "admin-pw")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = auth.Login(ctx, "admin", "new-pw")
	assert.NoError(t, err)
}

func TestLoginStoreUnavailable(t *testing.T) {
	vault, err := secrets.NewVaultWithCost(bcrypt.MinCost, map[models.Role]string{models.RoleAdmin: "pw"})
	require.NoError(t, err)
	auth := NewAuthService(store.NewSQLiteStore(":memory:"), vault, jwtauth.New("HS256", []byte("k"), nil), nil)

	_, err = auth.Login(context.Background(), "admin", "pw")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
