package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/secrets"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	ClaimRole    = "role"
	ClaimSession = "sid"
)

type AuthService struct {
	sessions  store.SessionStore
	vault     *secrets.Vault
	tokenAuth *jwtauth.JWTAuth
	now       Clock
}

func NewAuthService(sessions store.SessionStore, vault *secrets.Vault, tokenAuth *jwtauth.JWTAuth, now Clock) *AuthService {
	if now == nil {
		now = SystemClock
	}
	return &AuthService{sessions: sessions, vault: vault, tokenAuth: tokenAuth, now: now}
}

func (s *AuthService) TokenAuth() *jwtauth.JWTAuth { return s.tokenAuth }

type LoginResult struct {
	Role      models.Role `json:"role"`
	SessionID string      `json:"sessionId"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Login checks the role password, persists a session and signs a token that
// carries the role and session id.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, validationErr("username and password are required")
	}
	role, err := models.ParseRole(username)
	if err != nil || !s.vault.Verify(role, password) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	sess := models.Session{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, storeErr("create session", err)
	}

	_, token, err := s.tokenAuth.Encode(map[string]interface{}{
		ClaimRole:    string(role),
		ClaimSession: sess.ID,
		"exp":        sess.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	log.Infof("%s logged in, session %s", role, sess.ID)
	return &LoginResult{Role: role, SessionID: sess.ID, Token: token, ExpiresAt: sess.ExpiresAt}, nil
}

func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return validationErr("sessionId is required")
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

// ValidateSession rejects unknown and expired sessions.
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrUnauthorized
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

type ActiveSessions struct {
	Admin    int `json:"admin"`
	Preposto int `json:"preposto"`
}

func (s *AuthService) ActiveSessions(ctx context.Context) (ActiveSessions, error) {
	counts, err := s.sessions.CountActiveSessions(ctx, s.now())
	if err != nil {
		return ActiveSessions{}, storeErr("count sessions", err)
	}
	return ActiveSessions{Admin: counts[models.RoleAdmin], Preposto: counts[models.RolePreposto]}, nil
}

func (s *AuthService) ChangePassword(ctx context.Context, role, current, next string) error {
	r, err := models.ParseRole(role)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch err := s.vault.Change(r, current, next); {
	case errors.Is(err, secrets.ErrBadPassword):
		return ErrUnauthorized
	case errors.Is(err, secrets.ErrEmptyPassword):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case err != nil:
		return err
	}
	log.Infof("%s password changed", r)
	return nil
}

func (s *AuthService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.PurgeExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, storeErr("purge sessions", err)
	}
	return n, nil
}
