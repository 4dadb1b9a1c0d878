package models

import (
	"fmt"
	"time"
)

// SessionTTL is how long a login stays valid.
const SessionTTL = 24 * time.Hour

type Role string

const (
	RoleAdmin    Role = "admin"
	RolePreposto Role = "preposto"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RolePreposto:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Session is a persisted login of one role.
type Session struct {
	ID        string    `json:"sessionId" bson:"session_id"`
	Role      Role      `json:"role" bson:"role"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
