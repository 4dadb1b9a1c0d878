package secrets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadPassword   = errors.New("password mismatch")
	ErrEmptyPassword = errors.New("password must not be empty")
)

// Vault holds one bcrypt hash per role. It is shared by reference between
// request handlers; changes are visible immediately and live until restart.
type Vault struct {
	mu     sync.RWMutex
	cost   int
	hashes map[models.Role][]byte
}

func NewVault(adminPassword, prepostoPassword string) (*Vault, error) {
	return NewVaultWithCost(bcrypt.DefaultCost, map[models.Role]string{
		models.RoleAdmin:    adminPassword,
		models.RolePreposto: prepostoPassword,
	})
}

func NewVaultWithCost(cost int, passwords map[models.Role]string) (*Vault, error) {
	v := &Vault{cost: cost, hashes: make(map[models.Role][]byte, len(passwords))}
	for role, pw := range passwords {
		if pw == "" {
			return nil, fmt.Errorf("%s: %w", role, ErrEmptyPassword)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
		if err != nil {
			return nil, fmt.Errorf("hash %s password: %w", role, err)
		}
		v.hashes[role] = hash
	}
	return v, nil
}

// Verify reports whether password belongs to role. Unknown roles never match.
func (v *Vault) Verify(role models.Role, password string) bool {
	v.mu.RLock()
	hash, ok := v.hashes[role]
	v.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Change replaces the password of role after checking the current one.
func (v *Vault) Change(role models.Role, current, next string) error {
	if next == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), v.cost)
	if err != nil {
		return fmt.Errorf("hash %s password: %w", role, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	old, ok := v.hashes[role]
	if !ok || bcrypt.CompareHashAndPassword(old, []byte(current)) != nil {
		return ErrBadPassword
	}
	v.hashes[role] = hash
	return nil
}
