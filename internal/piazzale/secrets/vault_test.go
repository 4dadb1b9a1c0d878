package secrets

import (
	"sync"
	"testing"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVaultWithCost(bcrypt.MinCost, map[models.Role]string{
		models.RoleAdmin:    "admin-pw",
		models.RolePreposto: "preposto-pw",
	})
	require.NoError(t, err)
	return v
}

func TestVerify(t *testing.T) {
	v := newTestVault(t)

	assert.True(t, v.Verify(models.RoleAdmin, "admin-pw"))
	assert.True(t, v.Verify(models.RolePreposto, "preposto-pw"))
	assert.False(t, v.Verify(models.RoleAdmin, "preposto-pw"))
	assert.False(t, v.Verify(models.Role("guest"), "admin-pw"))
}

func TestChange(t *testing.T) {
	v := newTestVault(t)

	assert.ErrorIs(t, v.Change(models.RoleAdmin, "wrong", "new-pw"), ErrBadPassword)
	assert.ErrorIs(t, v.Change(models.RoleAdmin, "admin-pw", ""), ErrEmptyPassword)
	assert.ErrorIs(t, v.Change(models.Role("guest"), "x", "y"), ErrBadPassword)

	require.NoError(t, v.Change(models.RoleAdmin, "admin-pw", "new-pw"))
	assert.True(t, v.Verify(models.RoleAdmin, "new-pw"))
	assert.False(t, v.Verify(models.RoleAdmin, "admin-pw"))
	assert.True(t, v.Verify(models.RolePreposto, "preposto-pw"), "other roles untouched")
}

func TestChangeRace(t *testing.T) {
	v := newTestVault(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.Change(models.RolePreposto, "preposto-pw", "rotated") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "only one change can prove the old password")
}

func TestNewVaultRejectsEmpty(t *testing.T) {
	_, err := NewVault("", "x")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}
