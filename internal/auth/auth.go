// Package auth verifies client tokens and sessions. Token issuance, user
// registration and password handling are external; only verification lives
// in the core.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

// Authentication failure reasons, surfaced verbatim to realtime clients.
var (
	ErrTokenExpired   = errors.New("Token expired")
	ErrInvalidToken   = errors.New("Invalid token")
	ErrInvalidSession = errors.New("Invalid session")
)

// TokenVerifier validates JWTs issued by the external auth service.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier over the shared HMAC secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses the token and returns the user id from its subject claim.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	if uid, _ := claims["userId"].(string); uid != "" {
		return uid, nil
	}
	return "", ErrInvalidToken
}

// SessionValidator checks a session id against the external session service.
type SessionValidator interface {
	Validate(ctx context.Context, userID, sessionID string) (bool, error)
}

// HotTierSessions validates sessions against the shared session records in
// the hot tier, the store the external session service writes to.
type HotTierSessions struct {
	client hottier.Client
}

// NewHotTierSessions builds the validator over the shared hot tier.
func NewHotTierSessions(client hottier.Client) *HotTierSessions {
	return &HotTierSessions{client: client}
}

func sessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}

// Validate reports whether sessionID is the live session for userID.
func (s *HotTierSessions) Validate(ctx context.Context, userID, sessionID string) (bool, error) {
	stored, err := s.client.Get(ctx, sessionKey(userID))
	if err != nil {
		if hottier.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return stored == sessionID, nil
}
